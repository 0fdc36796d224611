// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2021 Datadog, Inc.

package pprofutils

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/google/pprof/profile"
)

// ValueType describes the type and unit of a value.
type ValueType struct {
	Type string
	Unit string
}

// Delta turns two reads of a cumulative runtime profile, such as the
// allocation profile, into the profile of what happened in between.
type Delta struct {
	// SampleTypes lists the cumulative sample types, e.g. alloc_space.
	// Every other sample type holds point in time values, e.g. inuse_space,
	// and keeps the values of the newer profile. Each listed type must exist
	// in the profiles. Empty means that every sample type is cumulative.
	SampleTypes []ValueType
}

// Convert returns cur minus prev for the cumulative sample types. Samples
// left with only zero values are dropped. prev is scaled in place, so pass a
// copy if it is still needed.
func (d Delta) Convert(prev, cur *profile.Profile) (*profile.Profile, error) {
	ratios, err := d.ratios(prev.SampleType)
	if err != nil {
		return nil, err
	}
	if err := prev.ScaleN(ratios); err != nil {
		return nil, err
	}
	delta, err := profile.Merge([]*profile.Profile{prev, cur})
	if err != nil {
		return nil, err
	}
	foldNegative(delta)
	return delta, delta.CheckValid()
}

// ratios returns the factor applied to each sample type of the older
// profile: -1 subtracts it, 0 drops it so that only the newer value remains.
func (d Delta) ratios(types []*profile.ValueType) ([]float64, error) {
	ratios := make([]float64, len(types))
	if len(d.SampleTypes) == 0 {
		for i := range ratios {
			ratios[i] = -1
		}
		return ratios, nil
	}
	for _, want := range d.SampleTypes {
		i := slices.IndexFunc(types, func(vt *profile.ValueType) bool {
			return vt.Type == want.Type && vt.Unit == want.Unit
		})
		if i < 0 {
			return nil, fmt.Errorf("sample type %s/%s not found in profile", want.Type, want.Unit)
		}
		ratios[i] = -1
	}
	return ratios, nil
}

// foldNegative removes the samples holding negative values. The runtime
// sometimes symbolizes the same program counters differently between two
// reads, so Merge cannot match the old sample with the new one and the old
// one survives negated. Its values are then subtracted from a sample with the
// same program counters.
func foldNegative(delta *profile.Profile) {
	last := map[string]*profile.Sample{}
	kept := delta.Sample[:0]
	for _, s := range delta.Sample {
		key := addressKey(s)
		prev := last[key]
		switch {
		case !hasNegative(s):
			kept = append(kept, s)
			if prev != nil {
				addNegative(s, prev)
			}
		case prev != nil && !hasNegative(prev):
			addNegative(prev, s)
		}
		last[key] = s
	}
	delta.Sample = kept
}

// addNegative adds the negative values of neg to pos.
func addNegative(pos, neg *profile.Sample) {
	for i, v := range neg.Value {
		if v < 0 {
			pos.Value[i] += v
		}
	}
}

// addressKey identifies a stack by its program counters.
func addressKey(s *profile.Sample) string {
	b := make([]byte, 0, len(s.Location)*8)
	for _, l := range s.Location {
		b = strconv.AppendUint(b, l.Address, 16)
		b = append(b, ';')
	}
	return string(b)
}

func hasNegative(s *profile.Sample) bool {
	for _, v := range s.Value {
		if v < 0 {
			return true
		}
	}
	return false
}
