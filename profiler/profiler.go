// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/google/uuid"

	"github.com/DataDog/dd-profiling-go/internal/log"
	"github.com/DataDog/dd-profiling-go/internal/traceprof"
)

var (
	mu             sync.Mutex
	activeProfiler *Profiler

	// runtimeID identifies this process in the runtime-id tag.
	runtimeID = uuid.New().String()
)

// now returns the current time in UTC; replaced in tests
var now = func() time.Time { return time.Now().UTC() }

// Start starts a profiler configured with opts, stopping the one previously
// started with Start, if any. Start returns an error if the configuration
// is invalid or if a profile source fails to start.
func Start(opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if activeProfiler != nil {
		activeProfiler.Stop()
		activeProfiler = nil
	}
	p, err := New(opts...)
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	activeProfiler = p
	return nil
}

// Stop stops the profiler started with Start, uploading the profiles of the
// ongoing window first.
func Stop() {
	mu.Lock()
	defer mu.Unlock()
	if activeProfiler != nil {
		activeProfiler.Stop()
		activeProfiler = nil
	}
}

// Profiler collects a batch of profiles from its sources once per period and
// hands it to its exporters. The zero value is not usable, see New.
type Profiler struct {
	cfg        *config
	sources    []Source
	space      *spaceSource // nil unless the space source is enabled
	exporters  []Exporter
	endpoints  *traceprof.EndpointCounter
	correlator *correlator
	tags       []string

	mu          sync.Mutex // guards below fields
	running     bool
	unsubscribe func()
	exit        chan struct{} // closed to stop the scheduler
	done        chan struct{} // closed when the scheduler exited

	// collectMu serializes collections, which stop and restart the sources.
	collectMu   sync.Mutex
	windowStart time.Time
	seq         uint64

	wg sync.WaitGroup // waits for in-flight exports
	// exportCtx is the parent of every export context. cancelExports is
	// called when Stop gives up waiting.
	exportCtx     context.Context
	cancelExports context.CancelFunc
}

// New returns an unstarted profiler configured with opts. Unknown exporter
// names and invalid settings are errors. Unknown profiler names are logged
// and skipped.
func New(opts ...Option) (*Profiler, error) {
	cfg, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.debug {
		log.SetLevel(log.LevelDebug)
	}
	if cfg.hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn("unable to look up hostname: %v", err)
		}
		cfg.hostname = hostname
	}
	p := &Profiler{
		cfg:       cfg,
		endpoints: traceprof.NewEndpointCounter(),
	}
	p.exportCtx, p.cancelExports = context.WithCancel(context.Background())
	for _, name := range cfg.sourceNames {
		factory, ok := sourceRegistry[name]
		if !ok {
			log.Warn("Unknown profiler %q", name)
			continue
		}
		s := factory(cfg)
		if sp, ok := s.(*spaceSource); ok {
			// the allocation delta is read before the wall samples are
			// aggregated so that the sampler's own allocations land in the
			// next window
			p.space = sp
			p.sources = append([]Source{s}, p.sources...)
			continue
		}
		p.sources = append(p.sources, s)
	}
	p.sources = append(p.sources, cfg.extraSources...)
	for _, name := range cfg.exporterNames {
		factory, ok := exporterRegistry[name]
		if !ok {
			return nil, fmt.Errorf("unknown exporter %q", name)
		}
		e, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating %s exporter: %w", name, err)
		}
		p.exporters = append(p.exporters, e)
	}
	p.exporters = append(p.exporters, cfg.extraExporters...)
	p.correlator = newCorrelator(cfg, p.endpoints)
	p.tags = cfg.batchTags()
	return p, nil
}

// Start starts the sources and the collection schedule. Calling Start on a
// running profiler does nothing. If a source fails to start, the sources
// started before it are stopped and the error is returned.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if !p.cfg.enabled {
		log.Info("Profiling is disabled")
		return nil
	}
	opts := StartOptions{Mapper: p.cfg.mapper, OnOutOfMemory: p.onOutOfMemory}
	for i, s := range p.sources {
		if err := startSource(s, opts); err != nil {
			for j := i - 1; j >= 0; j-- {
				stopSource(p.sources[j])
			}
			log.Error("Failed to start %s profiler: %v", s.Type(), err)
			return fmt.Errorf("starting %s profiler: %w", s.Type(), err)
		}
	}
	p.collectMu.Lock()
	p.windowStart = now()
	p.collectMu.Unlock()
	p.unsubscribe = p.correlator.subscribe()
	if p.exportCtx.Err() != nil {
		// cancelled by the previous Stop
		p.exportCtx, p.cancelExports = context.WithCancel(context.Background())
	}
	p.exit = make(chan struct{})
	p.done = make(chan struct{})
	go p.schedule(p.exit, p.done)
	p.running = true
	if p.cfg.logStartup {
		logStartup(p)
	}
	return nil
}

// Stop uploads the profiles of the ongoing window, stops the sources and
// waits for in-flight exports. Calling Stop on a stopped profiler does
// nothing.
func (p *Profiler) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.exit)
	<-p.done
	p.collect(SnapshotOnShutdown, false)
	p.unsubscribe()
	for _, s := range p.sources {
		stopSource(s)
	}
	p.waitExports()
	log.Flush()
}

// waitExports waits for in-flight exports. Those still running after the
// stop timeout are cancelled.
func (p *Profiler) waitExports() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(p.cfg.stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
	}
	log.Warn("Cancelling profile exports still running after %s", p.cfg.stopTimeout)
	p.cancelExports()
	<-done
}

// startSource calls s.Start, turning a panic into an error.
func startSource(s Source, opts StartOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.Start(opts)
}

// stopSource calls s.Stop, logging a panic.
func stopSource(s Source) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic stopping %s profiler: %v", s.Type(), r)
		}
	}()
	s.Stop()
}

// profileSource calls s.Profile, turning a panic into an error.
func profileSource(s Source, restart bool, start, end time.Time) (p *profile.Profile, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.Profile(restart, start, end)
}

// encodeSource encodes and compresses p with the encoder of s.
func (p *Profiler) encodeSource(s Source, prof *profile.Profile) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	raw, err := s.Encode(prof)
	if err != nil {
		return nil, err
	}
	return compress(raw, noCompression, p.cfg.compression)
}

// collect closes the current window of every source and exports the
// resulting batch. With restart, the sources keep sampling into the next
// window, which starts where this one ends.
func (p *Profiler) collect(kind SnapshotKind, restart bool) {
	began := time.Now()

	p.collectMu.Lock()
	start, end := p.windowStart, now()
	profiles := make([]*profile.Profile, len(p.sources))
	errs := make([]error, len(p.sources))
	for i, s := range p.sources {
		profiles[i], errs[i] = profileSource(s, restart, start, end)
	}
	if restart {
		p.windowStart = end
	}
	p.seq++
	seq := p.seq
	p.collectMu.Unlock()

	encoded := make([]EncodedProfile, len(p.sources))
	var wg sync.WaitGroup
	for i, s := range p.sources {
		if errs[i] != nil {
			continue
		}
		if profiles[i] == nil {
			continue
		}
		wg.Add(1)
		go func(i int, s Source) {
			defer wg.Done()
			data, err := p.encodeSource(s, profiles[i])
			if err != nil {
				errs[i] = err
				return
			}
			encoded[i] = EncodedProfile{Type: s.Type(), Data: data}
		}(i, s)
	}
	wg.Wait()

	bat := p.newBatch(seq, kind, start, end)
	for i, s := range p.sources {
		if errs[i] != nil {
			log.Error("Error getting %s profile: %v; skipping.", s.Type(), errs[i])
			p.cfg.statsd.Count("datadog.profiling.go.encode_error", 1, append(append([]string{}, p.cfg.tags...), "profile_type:"+s.Type()), 1)
			continue
		}
		if encoded[i].Data != nil {
			bat.Profiles = append(bat.Profiles, encoded[i])
		}
	}
	bat.EndpointCounts = p.endpoints.GetAndReset()
	p.cfg.statsd.Timing("datadog.profiling.go.collect_time", time.Since(began), p.cfg.tags, 1)
	if len(bat.Profiles) == 0 {
		log.Debug("No profiles collected for window %d, nothing to export", seq)
		return
	}
	p.export(bat)
}

func (p *Profiler) newBatch(seq uint64, kind SnapshotKind, start, end time.Time) *Batch {
	return &Batch{
		Seq:      seq,
		Start:    start,
		End:      end,
		Host:     p.cfg.hostname,
		Tags:     append(append([]string{}, p.tags...), kind.Tag()),
		Snapshot: kind,
		Info: BatchInfo{
			Serverless:  p.cfg.serverless,
			Compression: p.cfg.compression.String(),
			Activation:  p.cfg.activation,
		},
	}
}

// export hands bat to every exporter, each on its own goroutine and with its
// own deadline. It does not wait for them.
func (p *Profiler) export(bat *Batch) {
	for _, e := range p.exporters {
		p.wg.Add(1)
		go func(e Exporter) {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("Panic exporting profiles: %v", r)
				}
			}()
			ctx, cancel := context.WithTimeout(p.exportCtx, p.cfg.uploadTimeout)
			defer cancel()
			if err := e.Export(ctx, bat); err != nil {
				log.Error("Failed to export profiles: %v", err)
				p.cfg.statsd.Count("datadog.profiling.go.export_error", 1, p.cfg.tags, 1)
			}
		}(e)
	}
}

// errNoSpaceSource is returned by snapshots when the heap is not profiled.
var errNoSpaceSource = errors.New("space profiler not enabled")

// heapSnapshot returns the encoded heap profile of the whole process
// lifetime, serialized with collections.
func (p *Profiler) heapSnapshot() (EncodedProfile, error) {
	if p.space == nil {
		return EncodedProfile{}, errNoSpaceSource
	}
	p.collectMu.Lock()
	prof, err := p.space.snapshot()
	p.collectMu.Unlock()
	if err != nil {
		return EncodedProfile{}, err
	}
	data, err := p.encodeSource(p.space, prof)
	if err != nil {
		return EncodedProfile{}, err
	}
	return EncodedProfile{Type: p.space.Type(), Data: data}, nil
}

// StatsdClient implementations can count and time certain event occurrences that happen
// in the profiler.
type StatsdClient interface {
	// Count counts how many times an event happened, at the given rate using the given tags.
	Count(event string, times int64, tags []string, rate float64) error
	// Gauge records the current value of a metric.
	Gauge(name string, value float64, tags []string, rate float64) error
	// Timing creates a distribution of the values registered as the duration of a certain event.
	Timing(event string, duration time.Duration, tags []string, rate float64) error
}
