// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/pprof/profile"
)

// SnapshotKind identifies the reason a batch of profiles was collected.
type SnapshotKind int

const (
	// SnapshotPeriodic is a regular collection at the end of a window.
	SnapshotPeriodic SnapshotKind = iota
	// SnapshotOnShutdown is the final collection made when the profiler stops.
	SnapshotOnShutdown
	// SnapshotOnOutOfMemory is an out of band collection made when the heap
	// approaches its limit.
	SnapshotOnOutOfMemory
)

// String returns the tag value of the snapshot kind.
func (k SnapshotKind) String() string {
	switch k {
	case SnapshotPeriodic:
		return "periodic"
	case SnapshotOnShutdown:
		return "on_shutdown"
	case SnapshotOnOutOfMemory:
		return "on_oom"
	default:
		return "unknown"
	}
}

// Tag returns the snapshot kind formatted as a profile tag.
func (k SnapshotKind) Tag() string {
	return "snapshot:" + k.String()
}

// A Mapper rewrites the symbol information of a function before a profile is
// encoded. It may be used to map generated code back to its source.
type Mapper func(fn *profile.Function)

// StartOptions holds what a Source is given when the profiler starts it.
type StartOptions struct {
	// Mapper is applied to every function of a profile in Encode. May be nil.
	Mapper Mapper
	// OnOutOfMemory is called by sources which watch the heap when it gets
	// close to its limit. May be nil.
	OnOutOfMemory func(heapBytes uint64)
}

// A Source produces one type of profile per window. The profiler calls
// Profile on every source back to back, so a source must not block there.
type Source interface {
	// Type returns the name of the profile type, e.g. "wall".
	Type() string
	// Start starts sampling.
	Start(opts StartOptions) error
	// Profile returns the samples gathered during the [start, end) window.
	// If restart is true the source keeps sampling into a new window. A
	// nil profile with a nil error means there is nothing to report.
	Profile(restart bool, start, end time.Time) (*profile.Profile, error)
	// Encode serializes a profile returned by Profile as uncompressed pprof.
	Encode(p *profile.Profile) ([]byte, error)
	// Stop stops sampling and releases runtime resources.
	Stop()
}

// sourceFactory creates an unstarted source from the configuration.
type sourceFactory func(cfg *config) Source

// sourceRegistry maps the names accepted by WithProfilers and
// DD_PROFILING_PROFILERS to their implementation.
var sourceRegistry = map[string]sourceFactory{
	"wall":   func(cfg *config) Source { return newWallSource(cfg) },
	"cpu":    func(cfg *config) Source { return newCPUSource(cfg) },
	"space":  func(cfg *config) Source { return newSpaceSource(cfg) },
	"heap":   func(cfg *config) Source { return newSpaceSource(cfg) },
	"events": func(cfg *config) Source { return newEventsSource(cfg) },
}

// canonicalSource resolves aliases so that duplicates can be detected.
func canonicalSource(name string) string {
	if name == "heap" {
		return "space"
	}
	return name
}

// encodeProfile applies mapper to a copy of p and returns its uncompressed
// pprof encoding. The output only depends on the content of p, which is left
// untouched.
func encodeProfile(p *profile.Profile, mapper Mapper) ([]byte, error) {
	if mapper != nil {
		p = p.Copy()
		for _, fn := range p.Function {
			mapper(fn)
		}
	}
	var buf bytes.Buffer
	if err := p.WriteUncompressed(&buf); err != nil {
		return nil, fmt.Errorf("encoding profile: %w", err)
	}
	return buf.Bytes(), nil
}

// durationNanos returns the window length, never less than zero.
func durationNanos(start, end time.Time) int64 {
	if d := end.Sub(start); d > 0 {
		return d.Nanoseconds()
	}
	return 0
}
