// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"github.com/DataDog/dd-profiling-go/internal/log"
	"github.com/DataDog/dd-profiling-go/internal/traceprof"
)

// Labels of the events profile.
const (
	eventLabel  = "event"
	gcTypeLabel = "gc type"
)

// readGCStats wraps debug.ReadGCStats; replaced in tests
var readGCStats = debug.ReadGCStats

// eventsSource reports runtime events as a timeline: one sample per event,
// valued with its duration and labeled with the time it ended. The only
// events recorded are the stop-the-world pauses of the garbage collector.
type eventsSource struct {
	mapper Mapper

	mu      sync.Mutex // guards below fields
	stats   debug.GCStats
	numGC   int64 // collections reported so far
	running bool
}

func newEventsSource(*config) *eventsSource {
	return &eventsSource{}
}

func (s *eventsSource) Type() string { return "events" }

func (s *eventsSource) Start(opts StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.mapper = opts.Mapper
	readGCStats(&s.stats)
	s.numGC = s.stats.NumGC
	s.running = true
	return nil
}

func (s *eventsSource) Profile(_ bool, start, end time.Time) (*profile.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, nil
	}
	readGCStats(&s.stats)
	n := s.stats.NumGC - s.numGC
	s.numGC = s.stats.NumGC
	// the runtime only keeps the most recent pauses
	if kept := int64(min(len(s.stats.Pause), len(s.stats.PauseEnd))); n > kept {
		log.Debug("%d garbage collection pauses were dropped by the runtime", n-kept)
		n = kept
	}
	if n <= 0 {
		return nil, nil
	}

	// a single synthetic frame, events have no stack
	fn := &profile.Function{ID: 1}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{{Type: "timeline", Unit: "nanoseconds"}},
		PeriodType:    &profile.ValueType{Type: "timeline", Unit: "nanoseconds"},
		Period:        1,
		TimeNanos:     start.UnixNano(),
		DurationNanos: durationNanos(start, end),
		Location:      []*profile.Location{loc},
		Function:      []*profile.Function{fn},
	}
	// pauses are listed most recent first
	for i := n - 1; i >= 0; i-- {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.stats.Pause[i].Nanoseconds()},
			Label: map[string][]string{
				eventLabel:  {"gc"},
				gcTypeLabel: {"stop-the-world"},
			},
			NumLabel: map[string][]int64{traceprof.EndTimestampNS: {s.stats.PauseEnd[i].UnixNano()}},
			NumUnit:  map[string][]string{traceprof.EndTimestampNS: {"nanoseconds"}},
		})
	}
	return p, nil
}

func (s *eventsSource) Encode(p *profile.Profile) ([]byte, error) {
	return encodeProfile(p, s.mapper)
}

func (s *eventsSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}
