// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"runtime/debug"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/DataDog/dd-profiling-go/internal/log"
)

// Out of memory export strategies.
const (
	// oomStrategyProcess uploads the snapshot from a separate process.
	oomStrategyProcess = "process"
	// oomStrategyAsync hands the snapshot to the exporters of this process.
	oomStrategyAsync = "async"
	// oomStrategyLogs only logs the heap usage.
	oomStrategyLogs = "logs"
)

// heapLimitRatio is the fraction of the runtime memory limit at which the
// guard fires when no explicit heap limit is configured.
const heapLimitRatio = 0.9

type oomConfig struct {
	enabled       bool
	heapLimit     uint64 // bytes; zero derives it from the runtime memory limit
	extensionSize uint64
	maxExtensions int
	strategies    []string
	exportCommand []string
	checkInterval time.Duration
	minInterval   time.Duration // minimum time between two snapshots
}

func defaultOOMConfig() oomConfig {
	return oomConfig{
		strategies:    []string{oomStrategyProcess},
		exportCommand: []string{"profexport"},
		checkInterval: time.Second,
		minInterval:   5 * time.Second,
	}
}

var errNoMemoryLimit = errors.New("no heap limit configured and no runtime memory limit set (GOMEMLIMIT)")

var (
	// heapInUse returns the bytes occupied by live and unswept heap objects; replaced in tests
	heapInUse = func() uint64 {
		s := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
		metrics.Read(s)
		if s[0].Value.Kind() != metrics.KindUint64 {
			return 0
		}
		return s[0].Value.Uint64()
	}
	// setMemoryLimit wraps debug.SetMemoryLimit; replaced in tests
	setMemoryLimit = debug.SetMemoryLimit
)

// oomMonitor polls the heap size and calls onOOM when it crosses the
// threshold. The threshold is then raised by the extension size, at most
// maxExtensions times, after which monitoring stops.
type oomMonitor struct {
	cfg        oomConfig
	threshold  uint64
	extensions int
	// runtimeLimit is set when the threshold derives from the runtime
	// memory limit, which is then raised along with the threshold.
	runtimeLimit bool
	onOOM        func(heapBytes uint64)
	limiter      *rate.Limiter

	exit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newOOMMonitor(cfg oomConfig, onOOM func(uint64)) (*oomMonitor, error) {
	m := &oomMonitor{
		cfg:     cfg,
		onOOM:   onOOM,
		limiter: rate.NewLimiter(rate.Every(cfg.minInterval), 1),
		exit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.heapLimit > 0 {
		m.threshold = cfg.heapLimit
	} else {
		limit := setMemoryLimit(-1)
		if limit <= 0 || limit == math.MaxInt64 {
			return nil, errNoMemoryLimit
		}
		m.threshold = uint64(float64(limit) * heapLimitRatio)
		m.runtimeLimit = true
	}
	if m.cfg.checkInterval <= 0 {
		m.cfg.checkInterval = time.Second
	}
	return m, nil
}

func (m *oomMonitor) start() {
	go func() {
		defer close(m.done)
		tick := time.NewTicker(m.cfg.checkInterval)
		defer tick.Stop()
		for {
			select {
			case <-m.exit:
				return
			case <-tick.C:
				if m.check() {
					return
				}
			}
		}
	}()
}

// check compares the heap size against the threshold. It reports whether
// monitoring is over.
func (m *oomMonitor) check() (exhausted bool) {
	heap := heapInUse()
	if heap < m.threshold {
		return false
	}
	if !m.limiter.Allow() {
		return false
	}
	log.Warn("Heap usage of %d bytes crossed the out of memory threshold of %d bytes", heap, m.threshold)
	m.onOOM(heap)
	if m.extensions >= m.cfg.maxExtensions || m.cfg.extensionSize == 0 {
		log.Warn("Out of memory monitoring stopped after %d heap limit extensions", m.extensions)
		return true
	}
	m.extensions++
	m.threshold += m.cfg.extensionSize
	if m.runtimeLimit {
		limit := setMemoryLimit(-1)
		setMemoryLimit(limit + int64(m.cfg.extensionSize))
	}
	return false
}

// stop stops monitoring and waits for an in-flight callback to return.
func (m *oomMonitor) stop() {
	m.stopOnce.Do(func() { close(m.exit) })
	<-m.done
}

// runExportCommand starts cmd without waiting for it; replaced in tests
var runExportCommand = func(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

// onOutOfMemory is called by the heap monitor when the heap is about to
// exhaust its limit. It snapshots the heap profile and ships it with each
// configured strategy.
func (p *Profiler) onOutOfMemory(heapBytes uint64) {
	p.cfg.statsd.Count("datadog.profiling.go.oom_snapshot", 1, p.cfg.tags, 1)
	end := now()
	prof, err := p.heapSnapshot()
	if err != nil {
		log.Error("Failed to take out of memory heap snapshot: %v", err)
		return
	}
	for _, strategy := range p.cfg.oom.strategies {
		switch strategy {
		case oomStrategyProcess:
			if err := p.exportFromProcess(prof, end); err != nil {
				log.Error("Failed to export out of memory heap snapshot from a process: %v", err)
			}
		case oomStrategyAsync:
			p.collectMu.Lock()
			p.seq++
			seq, start := p.seq, p.windowStart
			p.collectMu.Unlock()
			bat := p.newBatch(seq, SnapshotOnOutOfMemory, start, end)
			bat.Profiles = []EncodedProfile{prof}
			p.export(bat)
		case oomStrategyLogs:
			log.Warn("Heap usage is %d bytes, heap profile is %d bytes", heapBytes, len(prof.Data))
		default:
			log.Warn("Unknown out of memory export strategy %q", strategy)
		}
	}
}

// exportFromProcess writes prof to a temporary file and starts the export
// command to upload it, so that the upload survives this process.
func (p *Profiler) exportFromProcess(prof EncodedProfile, end time.Time) error {
	if len(p.cfg.oom.exportCommand) == 0 {
		return errors.New("no export command configured")
	}
	f, err := os.CreateTemp("", "dd-profiling-oom-*.pprof")
	if err != nil {
		return err
	}
	if _, err := f.Write(prof.Data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	agentURL := strings.TrimSuffix(p.cfg.agentURL, profilingPath)
	if p.cfg.udsPath != "" {
		agentURL = "unix://" + p.cfg.udsPath
	}
	tags := append(append([]string{}, p.tags...), SnapshotOnOutOfMemory.Tag())
	args := append(append([]string{}, p.cfg.oom.exportCommand[1:]...),
		"--url", agentURL,
		"--type", prof.Type,
		"--tags", strings.Join(tags, ","),
		"--compression", p.cfg.compression.String(),
		"--end", end.Format(time.RFC3339Nano),
		"--timeout", p.cfg.uploadTimeout.String(),
		"--rm",
		f.Name(),
	)
	cmd := exec.Command(p.cfg.oom.exportCommand[0], args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := runExportCommand(cmd); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("running %s: %w", cmd.Path, err)
	}
	return nil
}
