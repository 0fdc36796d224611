// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

// Package pproftest converts profiles from and to the folded text format,
// which keeps test fixtures readable.
package pproftest

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
)

// Text converts from folded text to protobuf format. The first line may hold
// the sample types in "type/unit" notation, every other line holds a stack
// of ';' separated frames (root first) followed by one value per sample type.
type Text struct{}

// Convert parses the given text and returns it as protobuf profile.
func (c Text) Convert(text io.Reader) (*profile.Profile, error) {
	var (
		// A non-nil PeriodType is required by profile.Merge.
		p = &profile.Profile{
			TimeNanos:  time.Now().UnixNano(),
			SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
			PeriodType: &profile.ValueType{},
		}
		functionID = map[string]*profile.Function{}
		locationID = map[string]*profile.Location{}
	)

	s := bufio.NewScanner(text)
	for lineNum := 1; s.Scan(); lineNum++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if lineNum == 1 && isHeader(parts) {
			p.SampleType = p.SampleType[:0]
			for _, sampleType := range parts {
				typ, unit, _ := strings.Cut(sampleType, "/")
				p.SampleType = append(p.SampleType, &profile.ValueType{Type: typ, Unit: unit})
			}
			continue
		}
		if len(parts) < 1+len(p.SampleType) {
			return nil, fmt.Errorf("bad line: %d: %q", lineNum, line)
		}
		stackStr := strings.Join(parts[:len(parts)-len(p.SampleType)], " ")
		valueStrs := parts[len(parts)-len(p.SampleType):]

		sample := &profile.Sample{}
		for _, valueStr := range valueStrs {
			value, err := strconv.ParseInt(valueStr, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad line: %d: %q: %w", lineNum, line, err)
			}
			sample.Value = append(sample.Value, value)
		}

		frames := strings.Split(stackStr, ";")
		for i := range frames {
			// pprof stores the leaf first
			frame := frames[len(frames)-i-1]
			fn := functionID[frame]
			if fn == nil {
				fn = &profile.Function{
					ID:   uint64(len(p.Function)) + 1,
					Name: frame,
				}
				functionID[frame] = fn
				p.Function = append(p.Function, fn)
			}
			loc := locationID[frame]
			if loc == nil {
				id := uint64(len(p.Location)) + 1
				loc = &profile.Location{
					ID:      id,
					Address: id,
					Line:    []profile.Line{{Function: fn}},
				}
				locationID[frame] = loc
				p.Location = append(p.Location, loc)
			}
			sample.Location = append(sample.Location, loc)
		}
		p.Sample = append(p.Sample, sample)
	}
	return p, s.Err()
}

// isHeader returns true if all parts look like "type/unit" descriptors.
func isHeader(parts []string) bool {
	for _, part := range parts {
		typ, unit, ok := strings.Cut(part, "/")
		if !ok || typ == "" || unit == "" || strings.Contains(part, ";") {
			return false
		}
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			return false
		}
	}
	return len(parts) > 0
}

// Protobuf converts from pprof's protobuf to folded text format.
type Protobuf struct {
	// SampleTypes causes the text output to begin with a header line listing
	// the sample types found in the profile.
	SampleTypes bool
}

// Convert marshals the given protobuf profile into folded text format.
// Identical stacks are aggregated and lines are ordered by their values
// from largest to smallest.
func (p Protobuf) Convert(protobuf *profile.Profile, text io.Writer) error {
	w := bufio.NewWriter(text)
	if p.SampleTypes {
		var sampleTypes []string
		for _, sampleType := range protobuf.SampleType {
			sampleTypes = append(sampleTypes, sampleType.Type+"/"+sampleType.Unit)
		}
		w.WriteString(strings.Join(sampleTypes, " ") + "\n")
	}

	type stackValues struct {
		stack  string
		values []int64
	}
	var (
		order  []*stackValues
		byName = map[string]*stackValues{}
	)
	for _, sample := range protobuf.Sample {
		var frames []string
		for i := range sample.Location {
			loc := sample.Location[len(sample.Location)-i-1]
			for j := range loc.Line {
				// inlined functions come first
				line := loc.Line[len(loc.Line)-j-1]
				frames = append(frames, line.Function.Name)
			}
		}
		stack := strings.Join(frames, ";")
		sv := byName[stack]
		if sv == nil {
			sv = &stackValues{stack: stack, values: make([]int64, len(sample.Value))}
			byName[stack] = sv
			order = append(order, sv)
		}
		for i, v := range sample.Value {
			sv.values[i] += v
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i].values, order[j].values
		for k := range a {
			if a[k] != b[k] {
				return a[k] > b[k]
			}
		}
		return false
	})

	for _, sv := range order {
		values := make([]string, len(sv.values))
		for i, v := range sv.values {
			values[i] = strconv.FormatInt(v, 10)
		}
		fmt.Fprintf(w, "%s %s\n", sv.stack, strings.Join(values, " "))
	}
	return w.Flush()
}
