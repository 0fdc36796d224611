// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package profiler

import (
	"context"
	"runtime/pprof"
	"strconv"

	"github.com/DataDog/dd-profiling-go/internal/traceprof"
)

// Span tags read by the correlator.
const (
	tagSpanType     = "span.type"
	tagSpanKind     = "span.kind"
	tagResourceName = "resource.name"
	tagHTTPMethod   = "http.method"
	tagHTTPRoute    = "http.route"
)

// Span is the part of a tracer span the profiler needs.
type Span interface {
	// SpanID returns the span's identifier.
	SpanID() uint64
	// Parent returns the parent span in the same process, or nil for the
	// local root span.
	Parent() Span
	// Tag returns the value of a tag.
	Tag(key string) (string, bool)
}

// SpanListener is notified by a Tracer of span lifecycle events.
type SpanListener interface {
	// SpanActivated is called on the goroutine that activated a span. ctx
	// carries the newly active span.
	SpanActivated(ctx context.Context)
	// SpanDeactivated is called on the goroutine that deactivated a span.
	// ctx is the context being restored, which may carry another span.
	SpanDeactivated(ctx context.Context)
	// SpanFinished is called once for every finished span.
	SpanFinished(s Span)
}

// Tracer is the interface through which the profiler observes a tracer.
type Tracer interface {
	// ActiveSpan returns the span carried by ctx, or nil.
	ActiveSpan(ctx context.Context) Span
	// SubscribeSpans registers l until the returned function is called.
	SubscribeSpans(l SpanListener) (unsubscribe func())
}

// correlator tags the goroutines running a span with pprof labels, so that
// the runtime attaches them to the samples it takes, and counts hits per
// endpoint.
type correlator struct {
	tracer             Tracer
	endpoints          *traceprof.EndpointCounter
	codeHotspots       bool
	endpointCollection bool
}

var _ SpanListener = (*correlator)(nil)

func newCorrelator(cfg *config, endpoints *traceprof.EndpointCounter) *correlator {
	return &correlator{
		tracer:             cfg.tracer,
		endpoints:          endpoints,
		codeHotspots:       cfg.codeHotspots,
		endpointCollection: cfg.endpointCollection,
	}
}

// subscribe starts listening to the tracer. It returns a function undoing it.
func (c *correlator) subscribe() (unsubscribe func()) {
	if c.tracer == nil || (!c.codeHotspots && !c.endpointCollection) {
		return func() {}
	}
	return c.tracer.SubscribeSpans(c)
}

func (c *correlator) SpanActivated(ctx context.Context) {
	c.apply(ctx)
}

func (c *correlator) SpanDeactivated(ctx context.Context) {
	c.apply(ctx)
}

// apply sets the labels of the calling goroutine from ctx's active span.
func (c *correlator) apply(ctx context.Context) {
	pprof.SetGoroutineLabels(c.labelContext(ctx))
}

// labelContext returns ctx carrying the labels of its active span. Without
// an active span, ctx is returned as is so that restoring it drops the
// labels of the span that ended.
func (c *correlator) labelContext(ctx context.Context) context.Context {
	span := c.tracer.ActiveSpan(ctx)
	if span == nil {
		return ctx
	}
	labels := c.labels(span)
	if len(labels) == 0 {
		return ctx
	}
	return pprof.WithLabels(ctx, pprof.Labels(labels...))
}

// labels returns the key/value pairs describing span.
func (c *correlator) labels(span Span) []string {
	var labels []string
	if c.codeHotspots {
		labels = append(labels,
			traceprof.SpanID, strconv.FormatUint(span.SpanID(), 10),
			traceprof.LocalRootSpanID, strconv.FormatUint(localRoot(span).SpanID(), 10),
		)
	}
	if c.endpointCollection {
		if web := nearestWebSpan(span); web != nil {
			if endpoint := endpointName(web); endpoint != "" {
				labels = append(labels, traceprof.TraceEndpoint, endpoint)
			}
		}
	}
	return labels
}

func (c *correlator) SpanFinished(s Span) {
	if !c.endpointCollection || !isWebSpan(s) {
		return
	}
	// only the outermost web span of a request counts
	for p := s.Parent(); p != nil; p = p.Parent() {
		if isWebSpan(p) {
			return
		}
	}
	if endpoint := endpointName(s); endpoint != "" {
		c.endpoints.Inc(endpoint)
	}
}

func localRoot(s Span) Span {
	for p := s.Parent(); p != nil; p = p.Parent() {
		s = p
	}
	return s
}

// nearestWebSpan returns s or its closest ancestor serving a web request.
func nearestWebSpan(s Span) Span {
	for ; s != nil; s = s.Parent() {
		if isWebSpan(s) {
			return s
		}
	}
	return nil
}

func isWebSpan(s Span) bool {
	if t, _ := s.Tag(tagSpanType); t == "web" {
		return true
	}
	if k, _ := s.Tag(tagSpanKind); k == "server" {
		_, ok := s.Tag(tagHTTPMethod)
		return ok
	}
	return false
}

// endpointName is the span's resource if set, "<method> <route>" otherwise.
func endpointName(s Span) string {
	if r, ok := s.Tag(tagResourceName); ok && r != "" {
		return r
	}
	method, _ := s.Tag(tagHTTPMethod)
	route, _ := s.Tag(tagHTTPRoute)
	if method == "" || route == "" {
		return ""
	}
	return method + " " + route
}
