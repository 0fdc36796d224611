// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package traceprof contains shared logic for cross-cutting tracer/profiler features.
package traceprof

import (
	"sync/atomic"
)

// pprof labels applied to goroutines so that they show up in the profiler's
// profiles.
const (
	SpanID          = "span id"
	LocalRootSpanID = "local root span id"
	TraceEndpoint   = "trace endpoint"
	ThreadName      = "thread name"
	// EndTimestampNS is a numeric label holding the sample's wall-clock
	// time in nanoseconds since the epoch. Only set in timeline mode.
	EndTimestampNS = "end_timestamp_ns"
)

// env variables used to control cross-cutting tracer/profiling features.
const (
	EndpointEnvVar     = "DD_PROFILING_ENDPOINT_COLLECTION_ENABLED"
	CodeHotspotsEnvVar = "DD_PROFILING_CODEHOTSPOTS_ENABLED"
	// LegacyCodeHotspotsEnvVar is still honored when CodeHotspotsEnvVar is unset.
	LegacyCodeHotspotsEnvVar = "DD_PROFILING_CODE_HOTSPOTS_COLLECTION_ENABLED"
)

// NewEndpointCounter returns a new NewEndpointCounter.
func NewEndpointCounter() *EndpointCounter {
	counts := map[string]*atomic.Int64{}
	ec := &EndpointCounter{}
	ec.counts.Store(&counts)
	return ec
}

// EndpointCounter is an optimized map[string]int64 data structure that assumes
// that new keys are rarely added, but existing values are frequently
// incremented. It sits in the hot path of span completion, so it uses
// optimistic concurrency control instead of a mutex.
//
// Please run BenchmarkEndpointCounter if you think about changing the
// implementation. It's much easier to make this slow and/or broken than fast
// and correct.
type EndpointCounter struct {
	counts atomic.Value
}

// Inc increments the hit counter for the given endpoint by 1.
func (e *EndpointCounter) Inc(endpoint string) {
	for {
		oldCounts := e.counts.Load().(*map[string]*atomic.Int64)
		val, ok := (*oldCounts)[endpoint]
		if ok {
			val.Add(1)
			return
		}

		newCounts := make(map[string]*atomic.Int64, len(*oldCounts)+1)
		for k, v := range *oldCounts {
			newCounts[k] = v
		}
		val = &atomic.Int64{}
		val.Add(1)
		newCounts[endpoint] = val
		if e.counts.CompareAndSwap(oldCounts, &newCounts) {
			return
		}
	}
}

// GetAndReset returns the hit counts for all endpoints and resets their counts
// back to 0.
func (e *EndpointCounter) GetAndReset() map[string]int64 {
	for {
		oldCounts := e.counts.Load().(*map[string]*atomic.Int64)
		newCounts := map[string]*atomic.Int64{}
		if !e.counts.CompareAndSwap(oldCounts, &newCounts) {
			continue
		}
		retCounts := make(map[string]int64, len(*oldCounts))
		for k, v := range *oldCounts {
			retCounts[k] = v.Load()
		}
		return retCounts
	}
}
