// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/DataDog/dd-profiling-go/internal"
	"github.com/DataDog/dd-profiling-go/internal/log"
	"github.com/DataDog/dd-profiling-go/internal/traceprof"
	"github.com/DataDog/dd-profiling-go/internal/version"
)

const (
	// DefaultPeriod specifies the default length of a profiling window.
	DefaultPeriod = 65 * time.Second

	// DefaultUploadTimeout specifies the default time budget for exporting
	// one batch of profiles, retries included.
	DefaultUploadTimeout = 60 * time.Second

	// DefaultStopTimeout specifies how long Stop waits for in-flight exports
	// before cancelling them.
	DefaultStopTimeout = 5 * time.Second

	// DefaultWallSamplingRate is the number of times per second the stacks
	// of all goroutines are sampled by the wall profiler.
	DefaultWallSamplingRate = 99

	// DefaultHeapSamplingInterval is the average number of allocated bytes
	// between two allocation samples.
	DefaultHeapSamplingInterval = 512 * 1024

	// DefaultAdaptiveThreshold is the relative deviation between the current
	// and the computed heap sampling interval above which the interval is
	// changed.
	DefaultAdaptiveThreshold = 0.25
)

const (
	defaultAgentHost   = "localhost"
	defaultAgentPort   = "8126"
	defaultHTTPTimeout = 10 * time.Second
	// profilingPath is appended to the agent URL.
	profilingPath = "/profiling/v1/input"
	// udsHostname is used as the request host when dialing a unix socket.
	udsHostname = "dd-profiling-uds"
)

// serverlessTick is the tick interval used in serverless environments;
// replaced in tests.
var serverlessTick = time.Second

var defaultClient = &http.Client{
	// We copy the transport to avoid using the default one, as it might be
	// augmented with tracing and we don't want these calls to be recorded.
	// See https://golang.org/pkg/net/http/#DefaultTransport .
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	},
	Timeout: defaultHTTPTimeout,
}

var defaultSources = []string{"space", "wall"}

type config struct {
	enabled      bool
	activation   string // "auto" or "manual"
	agentURL     string // agentURL is the full URL of the agent's profiling intake
	udsPath      string // set when the agent is reached over a unix socket
	service, env string
	version      string
	hostname     string
	statsd       StatsdClient
	httpClient   *http.Client
	tags         []string
	period       time.Duration

	// uploadTimeout bounds a whole export, retries included.
	uploadTimeout time.Duration
	stopTimeout   time.Duration

	compression    compression
	sourceNames    []string
	extraSources   []Source // user-provided sources, started after the named ones
	exporterNames  []string
	extraExporters []Exporter
	outputDir      string
	outputPrefix   string

	endpointCollection bool
	codeHotspots       bool
	timeline           bool
	wallHz             int
	heapInterval       int
	adaptiveHeap       bool
	adaptiveThreshold  float64
	oom                oomConfig

	serverless bool
	tracer     Tracer
	mapper     Mapper
	runtimeID  string
	logStartup bool
	debug      bool
}

func (c *config) addSource(name string) {
	for _, n := range c.sourceNames {
		if canonicalSource(n) == canonicalSource(name) {
			return
		}
	}
	c.sourceNames = append(c.sourceNames, name)
}

func (c *config) removeSource(name string) {
	names := c.sourceNames[:0]
	for _, n := range c.sourceNames {
		if canonicalSource(n) != canonicalSource(name) {
			names = append(names, n)
		}
	}
	c.sourceNames = names
}

func defaultConfig() (*config, error) {
	c := config{
		enabled:            true,
		activation:         "manual",
		service:            filepath.Base(os.Args[0]),
		statsd:             &statsd.NoOpClient{},
		httpClient:         defaultClient,
		period:             DefaultPeriod,
		uploadTimeout:      DefaultUploadTimeout,
		stopTimeout:        DefaultStopTimeout,
		compression:        zstdCompression,
		exporterNames:      []string{"agent"},
		endpointCollection: true,
		codeHotspots:       true,
		wallHz:             DefaultWallSamplingRate,
		heapInterval:       DefaultHeapSamplingInterval,
		adaptiveHeap:       true,
		adaptiveThreshold:  DefaultAdaptiveThreshold,
		oom:                defaultOOMConfig(),
		runtimeID:          runtimeID,
		logStartup:         true,
	}
	c.sourceNames = append(c.sourceNames, defaultSources...)

	agentHost, agentPort := defaultAgentHost, defaultAgentPort
	if v := os.Getenv("DD_AGENT_HOST"); v != "" {
		agentHost = v
	}
	if v := os.Getenv("DD_TRACE_AGENT_PORT"); v != "" {
		agentPort = v
	}
	WithAgentAddr(net.JoinHostPort(agentHost, agentPort))(&c)
	if v := os.Getenv("DD_TRACE_AGENT_URL"); v != "" {
		WithAgentURL(v)(&c)
	}
	if v := os.Getenv("DD_PROFILING_ENABLED"); v == "auto" {
		// set by the admission controller
		c.activation = "auto"
	} else {
		c.enabled = internal.BoolEnv("DD_PROFILING_ENABLED", true)
	}
	if v := os.Getenv("DD_ENV"); v != "" {
		WithEnv(v)(&c)
	}
	if v := os.Getenv("DD_SERVICE"); v != "" {
		WithService(v)(&c)
	}
	if v := os.Getenv("DD_VERSION"); v != "" {
		WithVersion(v)(&c)
	}
	if v := os.Getenv("DD_TAGS"); v != "" {
		sep := " "
		if strings.Contains(v, ",") {
			// falling back to comma as separator
			sep = ","
		}
		for _, tag := range strings.Split(v, sep) {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			WithTags(tag)(&c)
		}
	}
	c.period = internal.DurationEnv("DD_PROFILING_UPLOAD_PERIOD", time.Second, c.period)
	c.uploadTimeout = internal.DurationEnv("DD_PROFILING_UPLOAD_TIMEOUT", time.Millisecond, c.uploadTimeout)
	if v, ok := os.LookupEnv("DD_PROFILING_DEBUG_UPLOAD_COMPRESSION"); ok {
		c.compression = parseCompression(v)
	}
	if v, ok := os.LookupEnv("DD_PROFILING_PROFILERS"); ok {
		c.sourceNames = nil
		for _, name := range internal.SplitList(v) {
			c.addSource(name)
		}
	}
	if !internal.BoolEnv("DD_PROFILING_WALLTIME_ENABLED", true) {
		c.removeSource("wall")
	}
	if !internal.BoolEnv("DD_PROFILING_HEAP_ENABLED", true) {
		c.removeSource("space")
	}
	if internal.BoolEnv("DD_PROFILING_CPU_ENABLED", internal.BoolEnv("DD_PROFILING_EXPERIMENTAL_CPU_ENABLED", false)) {
		c.addSource("cpu")
	}
	c.exporterNames = internal.ListEnv("DD_PROFILING_EXPORTERS", c.exporterNames)
	c.outputDir = os.Getenv("DD_PROFILING_OUTPUT_DIR")
	c.outputPrefix = os.Getenv("DD_PROFILING_PPROF_PREFIX")
	c.endpointCollection = internal.BoolEnv(traceprof.EndpointEnvVar,
		internal.BoolEnv("DD_PROFILING_EXPERIMENTAL_ENDPOINT_COLLECTION_ENABLED", c.endpointCollection))
	c.codeHotspots = internal.BoolEnv(traceprof.CodeHotspotsEnvVar,
		internal.BoolEnv(traceprof.LegacyCodeHotspotsEnvVar, c.codeHotspots))
	c.timeline = internal.BoolEnv("DD_PROFILING_TIMELINE_ENABLED", c.timeline)
	if internal.BoolEnv("DD_PROFILING_EVENTS_ENABLED", c.timeline) {
		c.addSource("events")
	}
	c.heapInterval = internal.IntEnv("DD_PROFILING_HEAP_SAMPLING_INTERVAL", c.heapInterval)
	c.oom.enabled = internal.BoolEnv("DD_PROFILING_EXPERIMENTAL_OOM_MONITORING_ENABLED", c.oom.enabled)
	c.oom.extensionSize = uint64(internal.IntEnv("DD_PROFILING_EXPERIMENTAL_OOM_HEAP_LIMIT_EXTENSION_SIZE", int(c.oom.extensionSize)))
	c.oom.maxExtensions = internal.IntEnv("DD_PROFILING_EXPERIMENTAL_OOM_MAX_HEAP_EXTENSION_COUNT", c.oom.maxExtensions)
	c.oom.strategies = internal.ListEnv("DD_PROFILING_EXPERIMENTAL_OOM_EXPORT_STRATEGIES", c.oom.strategies)
	c.serverless = os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
	c.logStartup = internal.BoolEnv("DD_TRACE_STARTUP_LOGS", true)
	c.debug = internal.BoolEnv("DD_TRACE_DEBUG", false)
	return &c, nil
}

// An Option is used to configure the profiler's behaviour.
type Option func(*config)

// WithAgentAddr specifies the address to use when reaching the Datadog Agent.
func WithAgentAddr(hostport string) Option {
	return func(cfg *config) {
		cfg.agentURL = "http://" + hostport + profilingPath
		cfg.udsPath = ""
	}
}

// WithAgentURL specifies the base URL of the Datadog Agent. Both http(s)://
// and unix:// schemes are accepted.
func WithAgentURL(agentURL string) Option {
	return func(cfg *config) {
		u, err := url.Parse(agentURL)
		if err != nil {
			log.Warn("Invalid agent URL %q, keeping %s: %v", agentURL, cfg.agentURL, err)
			return
		}
		if u.Scheme == "unix" {
			WithUDS(u.Path)(cfg)
			return
		}
		cfg.agentURL = strings.TrimSuffix(u.String(), "/") + profilingPath
		cfg.udsPath = ""
	}
}

// WithUDS configures the HTTP client to dial the Datadog Agent via the specified Unix Domain Socket path.
func WithUDS(socketPath string) Option {
	return func(cfg *config) {
		cfg.agentURL = "http://" + udsHostname + profilingPath
		cfg.udsPath = socketPath
		cfg.httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: defaultHTTPTimeout,
		}
	}
}

// WithEnabled turns the profiler on or off. A disabled profiler starts and
// stops without doing anything.
func WithEnabled(enabled bool) Option {
	return func(cfg *config) {
		cfg.enabled = enabled
	}
}

// WithPeriod specifies the interval at which to collect profiles.
func WithPeriod(d time.Duration) Option {
	return func(cfg *config) {
		cfg.period = d
	}
}

// WithUploadTimeout specifies the time budget for exporting one batch of
// profiles, retries included. It must be greater than zero.
func WithUploadTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.uploadTimeout = d
	}
}

// WithStopTimeout specifies how long Stop waits for the exports in flight,
// those of the final collection included, before cancelling them.
func WithStopTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.stopTimeout = d
	}
}

// WithProfilers replaces the set of profile sources by the named ones. The
// known names are "wall", "cpu", "events" and "space" (or its alias "heap").
// Unknown names are logged and skipped.
func WithProfilers(names ...string) Option {
	return func(cfg *config) {
		cfg.sourceNames = nil
		for _, name := range names {
			cfg.addSource(name)
		}
	}
}

// WithSource adds a custom profile source.
func WithSource(s Source) Option {
	return func(cfg *config) {
		cfg.extraSources = append(cfg.extraSources, s)
	}
}

// WithExporters replaces the set of exporters by the named ones: "agent"
// and "file" are known.
func WithExporters(names ...string) Option {
	return func(cfg *config) {
		cfg.exporterNames = names
	}
}

// WithExporter adds a custom exporter which receives every batch.
func WithExporter(e Exporter) Option {
	return func(cfg *config) {
		cfg.extraExporters = append(cfg.extraExporters, e)
	}
}

// WithOutputDir sets the directory and file name prefix used by the file
// exporter.
func WithOutputDir(dir, prefix string) Option {
	return func(cfg *config) {
		cfg.outputDir = dir
		cfg.outputPrefix = prefix
	}
}

// WithUploadCompression sets the compression of uploaded profiles, using the
// same syntax as DD_PROFILING_DEBUG_UPLOAD_COMPRESSION: "on", "off",
// "gzip", "zstd", optionally followed by "-<level>".
func WithUploadCompression(s string) Option {
	return func(cfg *config) {
		cfg.compression = parseCompression(s)
	}
}

// WithService specifies the service name to attach to a profile.
func WithService(name string) Option {
	return func(cfg *config) {
		cfg.service = name
	}
}

// WithEnv specifies the environment to which these profiles should be registered.
func WithEnv(env string) Option {
	return func(cfg *config) {
		cfg.env = env
	}
}

// WithVersion specifies the service version tag to attach to profiles
func WithVersion(version string) Option {
	return func(cfg *config) {
		cfg.version = version
	}
}

// WithHostname overrides the hostname reported with profiles.
func WithHostname(hostname string) Option {
	return func(cfg *config) {
		cfg.hostname = hostname
	}
}

// WithTags specifies a set of tags to be attached to the profiler. These may help
// filter the profiling view based on various information.
func WithTags(tags ...string) Option {
	return func(cfg *config) {
		cfg.tags = append(cfg.tags, tags...)
	}
}

// WithTagMap is like WithTags for tags held in a map. Tags are added in key
// order.
func WithTagMap(tags map[string]string) Option {
	return func(cfg *config) {
		cfg.tags = append(cfg.tags, sortedTags(tags)...)
	}
}

// WithStatsd specifies an optional statsd client to use for metrics. By default,
// no metrics are sent.
func WithStatsd(client StatsdClient) Option {
	return func(cfg *config) {
		cfg.statsd = client
	}
}

// WithHTTPClient specifies the HTTP client to use when submitting profiles to
// the agent. In general, using this method is only necessary if you have need
// to customize the transport layer.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *config) {
		cfg.httpClient = client
	}
}

// WithTracer connects the profiler to a tracer so that samples carry the
// active span and hits are counted per endpoint.
func WithTracer(t Tracer) Option {
	return func(cfg *config) {
		cfg.tracer = t
	}
}

// WithEndpointCollection enables or disables the "trace endpoint" label and
// the endpoint hit counts.
func WithEndpointCollection(enabled bool) Option {
	return func(cfg *config) {
		cfg.endpointCollection = enabled
	}
}

// WithCodeHotspots enables or disables the span id labels.
func WithCodeHotspots(enabled bool) Option {
	return func(cfg *config) {
		cfg.codeHotspots = enabled
	}
}

// WithTimeline keeps every wall sample separate and tags it with its end
// timestamp instead of aggregating samples by stack.
func WithTimeline(enabled bool) Option {
	return func(cfg *config) {
		cfg.timeline = enabled
	}
}

// WithWallSamplingRate sets how many times per second the wall profiler
// samples the goroutine stacks.
func WithWallSamplingRate(hz int) Option {
	return func(cfg *config) {
		cfg.wallHz = hz
	}
}

// WithHeapSamplingInterval sets the average number of bytes allocated
// between two allocation samples.
func WithHeapSamplingInterval(bytes int) Option {
	return func(cfg *config) {
		cfg.heapInterval = bytes
	}
}

// WithAdaptiveHeapSampling lets the space profiler retune its sampling
// interval after every window so that it takes about 99 samples per second.
func WithAdaptiveHeapSampling(enabled bool) Option {
	return func(cfg *config) {
		cfg.adaptiveHeap = enabled
	}
}

// WithOutOfMemoryMonitoring enables the near out-of-memory guard. heapLimit
// is the heap size in bytes that triggers a snapshot; zero derives it from
// the runtime memory limit. Each trigger raises the threshold by
// extensionSize, at most maxExtensions times. strategies is any of
// "process", "async" and "logs".
func WithOutOfMemoryMonitoring(heapLimit, extensionSize uint64, maxExtensions int, strategies ...string) Option {
	return func(cfg *config) {
		cfg.oom.enabled = true
		cfg.oom.heapLimit = heapLimit
		cfg.oom.extensionSize = extensionSize
		cfg.oom.maxExtensions = maxExtensions
		if len(strategies) > 0 {
			cfg.oom.strategies = strategies
		}
	}
}

// WithOutOfMemoryExportCommand sets the command run by the "process"
// strategy. The upload arguments are appended to it.
func WithOutOfMemoryExportCommand(cmd ...string) Option {
	return func(cfg *config) {
		cfg.oom.exportCommand = cmd
	}
}

// WithServerless forces the serverless scheduling mode, which is otherwise
// enabled when running on AWS Lambda.
func WithServerless(enabled bool) Option {
	return func(cfg *config) {
		cfg.serverless = enabled
	}
}

// WithMapper sets a function applied to every symbol before encoding.
func WithMapper(m Mapper) Option {
	return func(cfg *config) {
		cfg.mapper = m
	}
}

// WithDebugMode enables debug logging, including the retries of every
// upload. It can also be enabled with DD_TRACE_DEBUG.
func WithDebugMode(enabled bool) Option {
	return func(cfg *config) {
		cfg.debug = enabled
	}
}

// WithLogStartup toggles the startup configuration log line.
func WithLogStartup(enabled bool) Option {
	return func(cfg *config) {
		cfg.logStartup = enabled
	}
}

// batchTags returns the tags sent with every batch, user tags first.
func (c *config) batchTags() []string {
	tags := append([]string{}, c.tags...)
	tags = append(tags,
		"service:"+c.service,
		"host:"+c.hostname,
		"language:go",
		"runtime:go",
		"process_id:"+strconv.Itoa(os.Getpid()),
		"profiler_version:"+version.Tag,
		"runtime_version:"+strings.TrimPrefix(runtime.Version(), "go"),
		"runtime_arch:"+runtime.GOARCH,
		"runtime_os:"+runtime.GOOS,
		"runtime-id:"+c.runtimeID,
	)
	if c.env != "" {
		tags = append(tags, "env:"+c.env)
	}
	if c.version != "" {
		tags = append(tags, "version:"+c.version)
	}
	if c.serverless {
		tags = append(tags, "functionname:"+os.Getenv("AWS_LAMBDA_FUNCTION_NAME"))
	}
	return tags
}

// validate reports the configuration errors that prevent the profiler from
// being built.
func (c *config) validate() error {
	// uploadTimeout defaults to DefaultUploadTimeout, but in theory a user might
	// set it to 0 or a negative value. Not having a timeout is dangerous, and
	// a timeout that fires immediately breaks uploading, so such values are
	// rejected.
	if c.uploadTimeout <= 0 {
		return fmt.Errorf("invalid upload timeout, must be > 0: %s", c.uploadTimeout)
	}
	if c.stopTimeout < 0 {
		return fmt.Errorf("invalid stop timeout, must be >= 0: %s", c.stopTimeout)
	}
	if c.period <= 0 {
		return fmt.Errorf("invalid period, must be > 0: %s", c.period)
	}
	if c.wallHz <= 0 {
		return fmt.Errorf("invalid wall sampling rate, must be > 0: %d", c.wallHz)
	}
	if c.heapInterval <= 0 {
		return fmt.Errorf("invalid heap sampling interval, must be > 0: %d", c.heapInterval)
	}
	if _, err := url.Parse(c.agentURL); err != nil {
		return fmt.Errorf("invalid agent URL %q: %w", c.agentURL, err)
	}
	return nil
}
