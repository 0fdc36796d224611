// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"bytes"
	"io"
	"reflect"
	"runtime"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"github.com/DataDog/dd-profiling-go/internal/log"
	"github.com/DataDog/dd-profiling-go/internal/traceprof"
)

// writeGoroutineProfile writes the goroutine profile in proto format, which,
// unlike the text formats, carries the pprof labels of every goroutine.
// Replaced in tests.
var writeGoroutineProfile = func(w io.Writer) error {
	return pprof.Lookup("goroutine").WriteTo(w, 0)
}

// wallSamplerFunc is the name of the sampling goroutine's loop, whose own
// stack is left out of the profile. It is set by init, since referring to
// sampleLoop in the initializer would be an initialization cycle.
var wallSamplerFunc string

func init() {
	wallSamplerFunc = runtime.FuncForPC(reflect.ValueOf((*wallSource).sampleLoop).Pointer()).Name()
}

// wallSource samples the stacks of all goroutines at a fixed rate, whether
// they are running or waiting. Each observed goroutine accounts for one
// sampling period of wall time.
type wallSource struct {
	hz       int
	timeline bool
	mapper   Mapper

	mu      sync.Mutex // guards below fields
	agg     *stackAggregator
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func newWallSource(cfg *config) *wallSource {
	return &wallSource{hz: cfg.wallHz, timeline: cfg.timeline}
}

func (s *wallSource) Type() string { return "wall" }

func (s *wallSource) period() time.Duration {
	return time.Second / time.Duration(s.hz)
}

func (s *wallSource) Start(opts StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.mapper = opts.Mapper
	s.agg = newStackAggregator(s.period().Nanoseconds(), s.timeline)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.sampleLoop(s.stop, s.done)
	return nil
}

func (s *wallSource) sampleLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	tick := time.NewTicker(s.period())
	defer tick.Stop()
	var buf bytes.Buffer
	for {
		select {
		case <-stop:
			return
		case now := <-tick.C:
			s.sample(&buf, now)
		}
	}
}

// sample takes one snapshot of all goroutine stacks.
func (s *wallSource) sample(buf *bytes.Buffer, now time.Time) {
	buf.Reset()
	if err := writeGoroutineProfile(buf); err != nil {
		log.Error("Failed to sample goroutines: %v", err)
		return
	}
	p, err := profile.Parse(buf)
	if err != nil {
		log.Error("Failed to parse goroutine profile: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agg != nil {
		s.agg.add(p, now)
	}
}

func (s *wallSource) Profile(restart bool, start, end time.Time) (*profile.Profile, error) {
	if !restart {
		s.halt()
	}
	s.mu.Lock()
	agg := s.agg
	s.agg = nil
	if restart && s.running {
		s.agg = newStackAggregator(s.period().Nanoseconds(), s.timeline)
	}
	s.mu.Unlock()
	if agg == nil || len(agg.samples) == 0 {
		return nil, nil
	}
	p := agg.build([]*profile.ValueType{
		{Type: "sample", Unit: "count"},
		{Type: "wall", Unit: "nanoseconds"},
	})
	p.PeriodType = &profile.ValueType{Type: "wall", Unit: "nanoseconds"}
	p.Period = s.period().Nanoseconds()
	p.TimeNanos = start.UnixNano()
	p.DurationNanos = durationNanos(start, end)
	return p, nil
}

func (s *wallSource) Encode(p *profile.Profile) ([]byte, error) {
	return encodeProfile(p, s.mapper)
}

// halt stops the sampling goroutine and waits for it to exit.
func (s *wallSource) halt() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *wallSource) Stop() {
	s.halt()
	s.mu.Lock()
	s.agg = nil
	s.mu.Unlock()
}

// stackAggregator accumulates goroutine profiles into one profile with its
// own function, location and mapping tables.
type stackAggregator struct {
	period   int64 // nanoseconds accounted to each observed goroutine
	timeline bool

	functions map[functionKey]*profile.Function
	locations map[uint64]*profile.Location
	mappings  map[mappingKey]*profile.Mapping
	samples   map[string]*profile.Sample
	order     []*profile.Sample
	out       *profile.Profile
}

type functionKey struct {
	name, systemName, filename string
	startLine                  int64
}

type mappingKey struct {
	start, limit, offset uint64
	file                 string
}

func newStackAggregator(period int64, timeline bool) *stackAggregator {
	return &stackAggregator{
		period:    period,
		timeline:  timeline,
		functions: map[functionKey]*profile.Function{},
		locations: map[uint64]*profile.Location{},
		mappings:  map[mappingKey]*profile.Mapping{},
		samples:   map[string]*profile.Sample{},
		out:       &profile.Profile{},
	}
}

// add merges the goroutines of p observed at time now.
func (a *stackAggregator) add(p *profile.Profile, now time.Time) {
	var key strings.Builder
	for _, src := range p.Sample {
		if len(src.Location) == 0 || len(src.Value) == 0 || isWallSampler(src) {
			continue
		}
		locs := make([]*profile.Location, len(src.Location))
		key.Reset()
		for i, l := range src.Location {
			locs[i] = a.location(l)
			key.WriteString(strconv.FormatUint(locs[i].ID, 16))
			key.WriteByte(';')
		}
		labels := copyLabels(src.Label)
		if root := rootFunction(locs); root != "" {
			labels[traceprof.ThreadName] = []string{root}
		}
		writeLabels(&key, labels)
		if a.timeline {
			key.WriteByte('@')
			key.WriteString(strconv.FormatInt(now.UnixNano(), 10))
		}
		count := src.Value[0]
		dst := a.samples[key.String()]
		if dst == nil {
			dst = &profile.Sample{
				Location: locs,
				Value:    make([]int64, 2),
				Label:    labels,
			}
			if a.timeline {
				dst.NumLabel = map[string][]int64{traceprof.EndTimestampNS: {now.UnixNano()}}
				dst.NumUnit = map[string][]string{traceprof.EndTimestampNS: {"nanoseconds"}}
			}
			a.samples[key.String()] = dst
			a.order = append(a.order, dst)
		}
		dst.Value[0] += count
		dst.Value[1] += count * a.period
	}
}

// location interns l and everything it references.
func (a *stackAggregator) location(l *profile.Location) *profile.Location {
	if loc, ok := a.locations[l.Address]; ok && l.Address != 0 {
		return loc
	}
	loc := &profile.Location{
		ID:       uint64(len(a.out.Location) + 1),
		Address:  l.Address,
		IsFolded: l.IsFolded,
		Mapping:  a.mapping(l.Mapping),
	}
	for _, line := range l.Line {
		loc.Line = append(loc.Line, profile.Line{Function: a.function(line.Function), Line: line.Line})
	}
	a.out.Location = append(a.out.Location, loc)
	if l.Address != 0 {
		a.locations[l.Address] = loc
	}
	return loc
}

func (a *stackAggregator) function(f *profile.Function) *profile.Function {
	if f == nil {
		return nil
	}
	k := functionKey{f.Name, f.SystemName, f.Filename, f.StartLine}
	if fn, ok := a.functions[k]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(a.out.Function) + 1),
		Name:       f.Name,
		SystemName: f.SystemName,
		Filename:   f.Filename,
		StartLine:  f.StartLine,
	}
	a.functions[k] = fn
	a.out.Function = append(a.out.Function, fn)
	return fn
}

func (a *stackAggregator) mapping(m *profile.Mapping) *profile.Mapping {
	if m == nil {
		return nil
	}
	k := mappingKey{m.Start, m.Limit, m.Offset, m.File}
	if mm, ok := a.mappings[k]; ok {
		return mm
	}
	mm := &profile.Mapping{
		ID:              uint64(len(a.out.Mapping) + 1),
		Start:           m.Start,
		Limit:           m.Limit,
		Offset:          m.Offset,
		File:            m.File,
		BuildID:         m.BuildID,
		HasFunctions:    m.HasFunctions,
		HasFilenames:    m.HasFilenames,
		HasLineNumbers:  m.HasLineNumbers,
		HasInlineFrames: m.HasInlineFrames,
	}
	a.mappings[k] = mm
	a.out.Mapping = append(a.out.Mapping, mm)
	return mm
}

// build returns the aggregated profile. The aggregator must not be used
// afterwards.
func (a *stackAggregator) build(sampleTypes []*profile.ValueType) *profile.Profile {
	p := a.out
	p.SampleType = sampleTypes
	p.Sample = a.order
	return p
}

// isWallSampler reports whether s is the stack of the sampling goroutine.
func isWallSampler(s *profile.Sample) bool {
	for _, l := range s.Location {
		for _, line := range l.Line {
			if line.Function != nil && line.Function.Name == wallSamplerFunc {
				return true
			}
		}
	}
	return false
}

// rootFunction returns the name of the outermost function of a stack, which
// names the goroutine.
func rootFunction(locs []*profile.Location) string {
	root := locs[len(locs)-1]
	if len(root.Line) == 0 || root.Line[len(root.Line)-1].Function == nil {
		return ""
	}
	return root.Line[len(root.Line)-1].Function.Name
}

func copyLabels(src map[string][]string) map[string][]string {
	dst := make(map[string][]string, len(src)+1)
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
	return dst
}

// writeLabels appends a canonical form of labels to b.
func writeLabels(b *strings.Builder, labels map[string][]string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(labels[k], ","))
	}
}
