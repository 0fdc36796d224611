// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"bytes"
	"fmt"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/google/pprof/profile"
)

var (
	// startCPUProfile starts the CPU profile; replaced in tests
	startCPUProfile = pprof.StartCPUProfile
	// stopCPUProfile stops the CPU profile; replaced in tests
	stopCPUProfile = pprof.StopCPUProfile
)

// cpuSource records on-CPU time with the runtime CPU profiler. Goroutine
// labels set by the correlator are attached to its samples by the runtime.
type cpuSource struct {
	mapper Mapper

	mu      sync.Mutex // guards below fields
	buf     *bytes.Buffer
	running bool
}

func newCPUSource(_ *config) *cpuSource {
	return &cpuSource{}
}

func (s *cpuSource) Type() string { return "cpu" }

func (s *cpuSource) Start(opts StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.mapper = opts.Mapper
	buf := new(bytes.Buffer)
	if err := startCPUProfile(buf); err != nil {
		return fmt.Errorf("starting cpu profile: %w", err)
	}
	s.buf = buf
	s.running = true
	return nil
}

func (s *cpuSource) Profile(restart bool, start, end time.Time) (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, nil
	}
	stopCPUProfile()
	data := s.buf
	s.running = false
	if restart {
		buf := new(bytes.Buffer)
		if err := startCPUProfile(buf); err != nil {
			return nil, fmt.Errorf("restarting cpu profile: %w", err)
		}
		s.buf = buf
		s.running = true
	}
	if data.Len() == 0 {
		return nil, nil
	}
	p, err := profile.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing cpu profile: %w", err)
	}
	p.TimeNanos = start.UnixNano()
	p.DurationNanos = durationNanos(start, end)
	return p, nil
}

func (s *cpuSource) Encode(p *profile.Profile) ([]byte, error) {
	return encodeProfile(p, s.mapper)
}

func (s *cpuSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		stopCPUProfile()
		s.running = false
	}
}
