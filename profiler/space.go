// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"github.com/DataDog/dd-profiling-go/internal/log"
	"github.com/DataDog/dd-profiling-go/profiler/internal/pprofutils"
)

// targetSamplesPerSecond is the allocation sample rate the adaptive
// controller aims for.
const targetSamplesPerSecond = 99

var (
	// writeHeapProfile writes the cumulative allocation profile; replaced in tests
	writeHeapProfile = func(w io.Writer) error {
		return pprof.Lookup("allocs").WriteTo(w, 0)
	}
	// setMemProfileRate changes the allocation sampling interval; replaced in tests
	setMemProfileRate = func(rate int) { runtime.MemProfileRate = rate }
	// memProfileRate returns the allocation sampling interval; replaced in tests
	memProfileRate = func() int { return runtime.MemProfileRate }
)

// allocDelta computes per-window allocations while keeping the in-use values
// as a point in time snapshot.
var allocDelta = pprofutils.Delta{SampleTypes: []pprofutils.ValueType{
	{Type: "alloc_objects", Unit: "count"},
	{Type: "alloc_space", Unit: "bytes"},
}}

// spaceSource samples allocations every interval bytes on average. The
// runtime keeps cumulative counts, so each window reports the difference to
// the previous one.
type spaceSource struct {
	cfg    *config
	mapper Mapper

	mu       sync.Mutex // guards below fields
	interval int
	prev     *profile.Profile
	prevRate int
	running  bool
	oom      *oomMonitor
}

func newSpaceSource(cfg *config) *spaceSource {
	return &spaceSource{cfg: cfg, interval: cfg.heapInterval}
}

func (s *spaceSource) Type() string { return "space" }

func (s *spaceSource) Start(opts StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.mapper = opts.Mapper
	s.prevRate = memProfileRate()
	setMemProfileRate(s.interval)
	base, err := readHeapProfile()
	if err != nil {
		setMemProfileRate(s.prevRate)
		return err
	}
	s.prev = base
	if s.cfg.oom.enabled && opts.OnOutOfMemory != nil {
		m, err := newOOMMonitor(s.cfg.oom, opts.OnOutOfMemory)
		if err != nil {
			log.Warn("Out of memory monitoring disabled: %v", err)
		} else {
			s.oom = m
			m.start()
		}
	}
	s.running = true
	return nil
}

func (s *spaceSource) Profile(restart bool, start, end time.Time) (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, nil
	}
	cur, err := readHeapProfile()
	if err != nil {
		return nil, err
	}
	// Convert scales its first argument in place. s.prev stays the baseline
	// when the conversion fails.
	delta, err := allocDelta.Convert(s.prev.Copy(), cur.Copy())
	if err != nil {
		return nil, fmt.Errorf("computing allocation delta: %w", err)
	}
	s.prev = cur
	delta.TimeNanos = start.UnixNano()
	delta.DurationNanos = durationNanos(start, end)

	if restart && s.cfg.adaptiveHeap {
		total := sampleTotal(delta, "alloc_space")
		if next, ok := adaptInterval(s.interval, total, end.Sub(start), s.cfg.adaptiveThreshold); ok {
			log.Debug("Changing heap sampling interval from %d to %d bytes", s.interval, next)
			s.interval = next
			setMemProfileRate(next)
			s.rebase()
		}
		s.cfg.statsd.Gauge("datadog.profiling.go.heap_sampling_interval", float64(s.interval), s.cfg.tags, 1)
	}
	return delta, nil
}

// rebase re-reads the baseline after a sampling interval change. The runtime
// scales the whole allocation history by the current interval whenever the
// profile is written, so a baseline read at the old interval would not match
// the next read.
func (s *spaceSource) rebase() {
	base, err := readHeapProfile()
	if err != nil {
		log.Error("Failed to re-read heap profile after sampling interval change: %v", err)
		return
	}
	s.prev = base
}

// snapshot returns the cumulative heap profile without touching the
// window state.
func (s *spaceSource) snapshot() (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := readHeapProfile()
	if err != nil {
		return nil, err
	}
	p.TimeNanos = now().UnixNano()
	return p, nil
}

func (s *spaceSource) Encode(p *profile.Profile) ([]byte, error) {
	return encodeProfile(p, s.mapper)
}

func (s *spaceSource) Stop() {
	s.mu.Lock()
	m := s.oom
	s.oom = nil
	if s.running {
		s.running = false
		s.prev = nil
		setMemProfileRate(s.prevRate)
	}
	s.mu.Unlock()
	// the monitor callback may need s.mu, so it is stopped unlocked
	if m != nil {
		m.stop()
	}
}

// currentInterval returns the allocation sampling interval in bytes.
func (s *spaceSource) currentInterval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func readHeapProfile() (*profile.Profile, error) {
	var buf bytes.Buffer
	if err := writeHeapProfile(&buf); err != nil {
		return nil, fmt.Errorf("reading heap profile: %w", err)
	}
	p, err := profile.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("parsing heap profile: %w", err)
	}
	return p, nil
}

// sampleTotal sums the values of the given sample type.
func sampleTotal(p *profile.Profile, sampleType string) int64 {
	idx := -1
	for i, st := range p.SampleType {
		if st.Type == sampleType {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0
	}
	var total int64
	for _, s := range p.Sample {
		total += s.Value[idx]
	}
	return total
}

// adaptInterval computes the sampling interval that would have produced
// targetSamplesPerSecond samples for totalBytes allocated over window. It
// returns the new interval and true when it deviates from current by more
// than threshold.
func adaptInterval(current int, totalBytes int64, window time.Duration, threshold float64) (int, bool) {
	if current <= 0 || window <= 0 || totalBytes <= 0 {
		return current, false
	}
	computed := float64(totalBytes) / window.Seconds() / targetSamplesPerSecond
	if computed < 1 {
		return current, false
	}
	if math.Abs(computed-float64(current))/float64(current) <= threshold {
		return current, false
	}
	return int(computed), true
}
