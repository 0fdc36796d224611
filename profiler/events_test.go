// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

package profiler

import (
	"runtime"
	"runtime/debug"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dd-profiling-go/internal/traceprof"
)

// stubGCStats replaces the runtime GC statistics. Each read returns the next
// of stats, repeating the last one.
func stubGCStats(t *testing.T, stats ...debug.GCStats) {
	t.Helper()
	old := readGCStats
	t.Cleanup(func() { readGCStats = old })
	i := 0
	readGCStats = func(s *debug.GCStats) {
		*s = stats[min(i, len(stats)-1)]
		i++
	}
}

func TestEventsSource(t *testing.T) {
	t0 := time.Unix(1000, 0)
	stubGCStats(t,
		debug.GCStats{
			NumGC:    3,
			Pause:    []time.Duration{time.Millisecond},
			PauseEnd: []time.Time{t0},
		},
		debug.GCStats{
			NumGC:    5,
			Pause:    []time.Duration{3 * time.Millisecond, 2 * time.Millisecond, time.Millisecond},
			PauseEnd: []time.Time{t0.Add(2 * time.Second), t0.Add(time.Second), t0},
		},
	)
	s := newEventsSource(nil)
	require.NoError(t, s.Start(StartOptions{}))
	defer s.Stop()

	p, err := s.Profile(true, t0, t0.Add(10*time.Second))
	require.NoError(t, err)
	require.NoError(t, p.CheckValid())
	assert.Equal(t, []*profile.ValueType{{Type: "timeline", Unit: "nanoseconds"}}, p.SampleType)
	assert.Equal(t, t0.UnixNano(), p.TimeNanos)
	assert.Equal(t, int64(10*time.Second), p.DurationNanos)

	// only the pauses of the window, oldest first
	require.Len(t, p.Sample, 2)
	for i, want := range []struct {
		pause time.Duration
		end   time.Time
	}{
		{2 * time.Millisecond, t0.Add(time.Second)},
		{3 * time.Millisecond, t0.Add(2 * time.Second)},
	} {
		sample := p.Sample[i]
		assert.Equal(t, []int64{want.pause.Nanoseconds()}, sample.Value)
		assert.Equal(t, []int64{want.end.UnixNano()}, sample.NumLabel[traceprof.EndTimestampNS])
		assert.Equal(t, []string{"nanoseconds"}, sample.NumUnit[traceprof.EndTimestampNS])
		assert.Equal(t, []string{"gc"}, sample.Label[eventLabel])
	}

	// nothing happened since
	p, err = s.Profile(true, t0.Add(10*time.Second), t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestEventsSourceDroppedPauses(t *testing.T) {
	t0 := time.Unix(1000, 0)
	stubGCStats(t,
		debug.GCStats{NumGC: 0},
		debug.GCStats{
			NumGC:    300,
			Pause:    []time.Duration{2 * time.Millisecond, time.Millisecond},
			PauseEnd: []time.Time{t0.Add(time.Second), t0},
		},
	)
	s := newEventsSource(nil)
	require.NoError(t, s.Start(StartOptions{}))
	defer s.Stop()

	p, err := s.Profile(false, t0, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Len(t, p.Sample, 2)
}

func TestEventsSourceLive(t *testing.T) {
	start := now()
	s := newEventsSource(nil)
	require.NoError(t, s.Start(StartOptions{}))
	runtime.GC()
	runtime.GC()
	p, err := s.Profile(true, start, now())
	require.NoError(t, err)
	require.NotNil(t, p)
	// one pause per collection
	assert.GreaterOrEqual(t, len(p.Sample), 2)
	for _, sample := range p.Sample {
		end := sample.NumLabel[traceprof.EndTimestampNS][0]
		assert.GreaterOrEqual(t, end, start.UnixNano())
	}

	s.Stop()
	p, err = s.Profile(true, start, now())
	require.NoError(t, err)
	assert.Nil(t, p)
}
