// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profiler

import (
	"context"
	"runtime/pprof"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dd-profiling-go/internal/traceprof"
)

type testSpan struct {
	id     uint64
	parent *testSpan
	tags   map[string]string
}

func (s *testSpan) SpanID() uint64 { return s.id }

func (s *testSpan) Parent() Span {
	if s.parent == nil {
		return nil
	}
	return s.parent
}

func (s *testSpan) Tag(key string) (string, bool) {
	v, ok := s.tags[key]
	return v, ok
}

type activeSpanKey struct{}

// testTracer activates spans by storing them in a context, and notifies its
// listeners like a tracer would.
type testTracer struct {
	mu        sync.Mutex
	listeners []SpanListener
}

func (t *testTracer) ActiveSpan(ctx context.Context) Span {
	if s, ok := ctx.Value(activeSpanKey{}).(*testSpan); ok {
		return s
	}
	return nil
}

func (t *testTracer) SubscribeSpans(l SpanListener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, other := range t.listeners {
			if other == l {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

func (t *testTracer) subscribers() []SpanListener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SpanListener(nil), t.listeners...)
}

// activate makes s the active span of the calling goroutine.
func (t *testTracer) activate(ctx context.Context, s *testSpan) context.Context {
	ctx = context.WithValue(ctx, activeSpanKey{}, s)
	for _, l := range t.subscribers() {
		l.SpanActivated(ctx)
	}
	return ctx
}

// finish finishes s and restores prev on the calling goroutine.
func (t *testTracer) finish(prev context.Context, s *testSpan) {
	for _, l := range t.subscribers() {
		l.SpanFinished(s)
		l.SpanDeactivated(prev)
	}
}

func webSpan(id uint64, parent *testSpan, resource string) *testSpan {
	return &testSpan{id: id, parent: parent, tags: map[string]string{
		tagSpanType:     "web",
		tagResourceName: resource,
	}}
}

// The wait functions block the calling goroutine so that its samples can be
// told apart by function name.

//go:noinline
func waitInSpan(release <-chan struct{}) { <-release }

//go:noinline
func waitAfterSpan(release <-chan struct{}) { <-release }

//go:noinline
func waitWithoutSpan(release <-chan struct{}) { <-release }

// stackHas reports whether the stack of s has a function ending in suffix.
func stackHas(s *profile.Sample, suffix string) bool {
	for _, l := range s.Location {
		for _, line := range l.Line {
			if line.Function != nil && strings.HasSuffix(line.Function.Name, suffix) {
				return true
			}
		}
	}
	return false
}

func TestCorrelatedSamples(t *testing.T) {
	tr := &testTracer{}
	rec := &recordingExporter{}
	p := newTestProfiler(t,
		WithProfilers("wall"),
		WithPeriod(time.Hour),
		WithTracer(tr),
		WithUploadCompression("off"),
		WithExporter(rec),
	)
	require.NoError(t, p.Start())

	root := webSpan(7, nil, "/foo")
	child := &testSpan{id: 42, parent: root, tags: map[string]string{}}
	inSpan := make(chan struct{})
	afterSpan := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx := tr.activate(context.Background(), root)
		tr.activate(ctx, child)
		waitInSpan(inSpan)
		tr.finish(ctx, child)
		tr.finish(context.Background(), root)
		waitAfterSpan(afterSpan)
	}()
	go func() {
		defer wg.Done()
		waitWithoutSpan(afterSpan)
	}()
	time.Sleep(200 * time.Millisecond)
	close(inSpan)
	time.Sleep(200 * time.Millisecond)
	close(afterSpan)
	wg.Wait()
	p.Stop()

	batches := rec.recorded()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Profiles, 1)
	prof, err := profile.ParseData(batches[0].Profiles[0].Data)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, s := range prof.Sample {
		switch {
		case stackHas(s, ".waitInSpan"):
			counts["in"]++
			assert.Equal(t, []string{"42"}, s.Label[traceprof.SpanID])
			assert.Equal(t, []string{"7"}, s.Label[traceprof.LocalRootSpanID])
			assert.Equal(t, []string{"/foo"}, s.Label[traceprof.TraceEndpoint])
			assert.NotEmpty(t, s.Label[traceprof.ThreadName])
		case stackHas(s, ".waitAfterSpan"), stackHas(s, ".waitWithoutSpan"):
			counts["out"]++
			assert.Empty(t, s.Label[traceprof.SpanID])
			assert.Empty(t, s.Label[traceprof.LocalRootSpanID])
			assert.Empty(t, s.Label[traceprof.TraceEndpoint])
		}
	}
	assert.Positive(t, counts["in"], "no sample taken during the span")
	assert.Positive(t, counts["out"], "no sample taken outside of a span")
	assert.Equal(t, map[string]int64{"/foo": 1}, batches[0].EndpointCounts)
}

func TestCorrelatorLabels(t *testing.T) {
	tr := &testTracer{}
	newCorr := func(hotspots, endpoints bool) *correlator {
		return &correlator{
			tracer:             tr,
			endpoints:          traceprof.NewEndpointCounter(),
			codeHotspots:       hotspots,
			endpointCollection: endpoints,
		}
	}
	label := func(ctx context.Context, key string) string {
		v, _ := pprof.Label(ctx, key)
		return v
	}

	root := &testSpan{id: 1, tags: map[string]string{
		tagSpanKind:   "server",
		tagHTTPMethod: "GET",
		tagHTTPRoute:  "/users/:id",
	}}
	child := &testSpan{id: 2, parent: root, tags: map[string]string{}}
	ctx := context.WithValue(context.Background(), activeSpanKey{}, child)

	t.Run("all", func(t *testing.T) {
		lctx := newCorr(true, true).labelContext(ctx)
		assert.Equal(t, "2", label(lctx, traceprof.SpanID))
		assert.Equal(t, "1", label(lctx, traceprof.LocalRootSpanID))
		assert.Equal(t, "GET /users/:id", label(lctx, traceprof.TraceEndpoint))
	})
	t.Run("hotspots-only", func(t *testing.T) {
		lctx := newCorr(true, false).labelContext(ctx)
		assert.Equal(t, "2", label(lctx, traceprof.SpanID))
		assert.Empty(t, label(lctx, traceprof.TraceEndpoint))
	})
	t.Run("endpoints-only", func(t *testing.T) {
		lctx := newCorr(false, true).labelContext(ctx)
		assert.Empty(t, label(lctx, traceprof.SpanID))
		assert.Equal(t, "GET /users/:id", label(lctx, traceprof.TraceEndpoint))
	})
	t.Run("no-span", func(t *testing.T) {
		bg := context.Background()
		assert.Equal(t, bg, newCorr(true, true).labelContext(bg))
	})
	t.Run("resource-override", func(t *testing.T) {
		s := webSpan(3, nil, "GET /override")
		lctx := newCorr(false, true).labelContext(context.WithValue(ctx, activeSpanKey{}, s))
		assert.Equal(t, "GET /override", label(lctx, traceprof.TraceEndpoint))
	})
	t.Run("not-web", func(t *testing.T) {
		s := &testSpan{id: 4, tags: map[string]string{tagSpanKind: "server"}}
		lctx := newCorr(false, true).labelContext(context.WithValue(ctx, activeSpanKey{}, s))
		assert.Empty(t, label(lctx, traceprof.TraceEndpoint))
	})
}

func TestEndpointCounts(t *testing.T) {
	tr := &testTracer{}
	rec := &recordingExporter{}
	src := newFakeSource("wall")
	p := newTestProfiler(t,
		WithPeriod(time.Hour),
		WithTracer(tr),
		WithSource(src),
		WithExporter(rec),
	)
	require.NoError(t, p.Start())

	bg := context.Background()
	for _, s := range []*testSpan{
		webSpan(1, nil, "/foo"),
		webSpan(2, nil, "/bar"),
		webSpan(3, nil, "/foo"),
	} {
		tr.activate(bg, s)
		tr.finish(bg, s)
	}
	// nested web spans and plain spans are not counted
	outer := webSpan(4, nil, "")
	nested := webSpan(5, outer, "/nested")
	plain := &testSpan{id: 6, tags: map[string]string{}}
	for _, s := range []*testSpan{nested, plain} {
		tr.activate(bg, s)
		tr.finish(bg, s)
	}

	p.collect(SnapshotPeriodic, true)
	p.collect(SnapshotPeriodic, true)
	p.Stop()

	batches := rec.recorded()
	require.Len(t, batches, 3)
	counts := map[uint64]map[string]int64{}
	for _, bat := range batches {
		counts[bat.Seq] = bat.EndpointCounts
	}
	assert.Equal(t, map[string]int64{"/foo": 2, "/bar": 1}, counts[1])
	assert.Empty(t, counts[2])
	assert.Empty(t, counts[3])
}

func TestCorrelatorUnsubscribe(t *testing.T) {
	tr := &testTracer{}
	p := newTestProfiler(t, WithPeriod(time.Hour), WithTracer(tr), WithSource(newFakeSource("wall")))
	require.NoError(t, p.Start())
	assert.Len(t, tr.subscribers(), 1)
	p.Stop()
	assert.Empty(t, tr.subscribers())
}

func TestCorrelatorDisabled(t *testing.T) {
	tr := &testTracer{}
	p := newTestProfiler(t,
		WithPeriod(time.Hour),
		WithTracer(tr),
		WithSource(newFakeSource("wall")),
		WithCodeHotspots(false),
		WithEndpointCollection(false),
	)
	require.NoError(t, p.Start())
	assert.Empty(t, tr.subscribers())
	p.Stop()
}
