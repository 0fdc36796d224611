// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dd-profiling-go/internal/traceprof"
)

// goroutineProfile builds a goroutine profile holding one sample per stack.
// Stacks are listed leaf first.
func goroutineProfile(stacks [][]string, labels []map[string][]string) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "goroutine", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "goroutine", Unit: "count"},
		Period:     1,
	}
	fns := map[string]*profile.Function{}
	locs := map[string]*profile.Location{}
	for i, stack := range stacks {
		s := &profile.Sample{Value: []int64{1}}
		if labels != nil {
			s.Label = labels[i]
		}
		for _, name := range stack {
			loc := locs[name]
			if loc == nil {
				fn := &profile.Function{ID: uint64(len(fns) + 1), Name: name}
				fns[name] = fn
				p.Function = append(p.Function, fn)
				loc = &profile.Location{
					ID:      uint64(len(locs) + 1),
					Address: 0x1000 + uint64(len(locs)),
					Line:    []profile.Line{{Function: fn}},
				}
				locs[name] = loc
				p.Location = append(p.Location, loc)
			}
			s.Location = append(s.Location, loc)
		}
		p.Sample = append(p.Sample, s)
	}
	return p
}

// newStubbedWall returns a wall source, ready to aggregate, whose samples
// come from p.
func newStubbedWall(t *testing.T, timeline bool, p *profile.Profile) *wallSource {
	t.Helper()
	old := writeGoroutineProfile
	t.Cleanup(func() { writeGoroutineProfile = old })
	var enc bytes.Buffer
	require.NoError(t, p.Write(&enc))
	writeGoroutineProfile = func(w io.Writer) error {
		_, err := w.Write(enc.Bytes())
		return err
	}
	cfg, err := defaultConfig()
	require.NoError(t, err)
	WithWallSamplingRate(100)(cfg)
	WithTimeline(timeline)(cfg)
	s := newWallSource(cfg)
	s.agg = newStackAggregator(s.period().Nanoseconds(), s.timeline)
	return s
}

func TestWallAggregatesStacks(t *testing.T) {
	gp := goroutineProfile(
		[][]string{
			{"work", "handler", "main.serve"},
			{"wait", "main.idle"},
			{"sample", wallSamplerFunc},
		},
		[]map[string][]string{
			{traceprof.SpanID: {"42"}},
			nil,
			nil,
		},
	)
	s := newStubbedWall(t, false, gp)
	var buf bytes.Buffer
	t0 := time.Unix(1000, 0)
	s.sample(&buf, t0.Add(10*time.Millisecond))
	s.sample(&buf, t0.Add(20*time.Millisecond))

	p, err := s.Profile(true, t0, t0.Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, p.CheckValid())
	assert.Equal(t, []*profile.ValueType{
		{Type: "sample", Unit: "count"},
		{Type: "wall", Unit: "nanoseconds"},
	}, p.SampleType)
	assert.Equal(t, int64(10*time.Millisecond), p.Period)
	assert.Equal(t, t0.UnixNano(), p.TimeNanos)
	assert.Equal(t, int64(time.Second), p.DurationNanos)

	// the sampler's own goroutine is left out
	require.Len(t, p.Sample, 2)
	serve := p.Sample[0]
	assert.Equal(t, []int64{2, int64(20 * time.Millisecond)}, serve.Value)
	assert.Equal(t, []string{"42"}, serve.Label[traceprof.SpanID])
	assert.Equal(t, []string{"main.serve"}, serve.Label[traceprof.ThreadName])
	assert.Empty(t, serve.NumLabel)
	assert.Equal(t, []string{"main.idle"}, p.Sample[1].Label[traceprof.ThreadName])

	// the next window starts empty
	p, err = s.Profile(true, t0.Add(time.Second), t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestWallTimeline(t *testing.T) {
	gp := goroutineProfile([][]string{{"work", "main.serve"}}, nil)
	s := newStubbedWall(t, true, gp)
	var buf bytes.Buffer
	t0 := time.Unix(1000, 0)
	s.sample(&buf, t0.Add(10*time.Millisecond))
	s.sample(&buf, t0.Add(20*time.Millisecond))

	p, err := s.Profile(true, t0, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, p.Sample, 2)
	for i, sample := range p.Sample {
		assert.Equal(t, []int64{1, int64(10 * time.Millisecond)}, sample.Value)
		assert.Equal(t, []int64{t0.Add(time.Duration(i+1) * 10 * time.Millisecond).UnixNano()},
			sample.NumLabel[traceprof.EndTimestampNS])
		assert.Equal(t, []string{"nanoseconds"}, sample.NumUnit[traceprof.EndTimestampNS])
	}
}

func TestWallSamplerFunc(t *testing.T) {
	assert.Equal(t, "github.com/DataDog/dd-profiling-go/profiler.(*wallSource).sampleLoop", wallSamplerFunc)
}

func TestWallSourceLive(t *testing.T) {
	cfg, err := defaultConfig()
	require.NoError(t, err)
	s := newWallSource(cfg)
	require.NoError(t, s.Start(StartOptions{}))
	defer s.Stop()

	start := now()
	time.Sleep(100 * time.Millisecond)
	p, err := s.Profile(false, start, now())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotEmpty(t, p.Sample)
	for _, sample := range p.Sample {
		for _, l := range sample.Location {
			for _, line := range l.Line {
				assert.False(t, strings.HasSuffix(line.Function.Name, ".sampleLoop"), line.Function.Name)
			}
		}
	}
	// halted by the last Profile call
	p, err = s.Profile(true, start, now())
	require.NoError(t, err)
	assert.Nil(t, p)
}
