// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package internal holds helpers shared by the profiler packages.
package internal

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DataDog/dd-profiling-go/internal/log"
)

// BoolEnv returns the parsed boolean value of an environment variable, or
// def if it fails to parse.
func BoolEnv(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn("Non-boolean value for env var %s, defaulting to %t. Parse failed with error: %v", key, def, err)
		return def
	}
	return b
}

// IntEnv returns the parsed int value of an environment variable, or
// def otherwise.
func IntEnv(key string, def int) int {
	vv, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(vv)
	if err != nil {
		log.Warn("Non-integer value for env var %s, defaulting to %d. Parse failed with error: %v", key, def, err)
		return def
	}
	return v
}

// DurationEnv returns the value of an environment variable interpreted as a
// number of units, or def when unset or invalid. Fractions are accepted, so
// "0.5" with unit time.Second yields 500ms.
func DurationEnv(key string, unit time.Duration, def time.Duration) time.Duration {
	vv, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(vv, 64)
	if err != nil || v < 0 {
		log.Warn("Invalid value for env var %s, defaulting to %s", key, def)
		return def
	}
	return time.Duration(v * float64(unit))
}

// ListEnv splits the value of an environment variable on commas and
// whitespace. Empty entries are dropped. It returns def when the variable is
// unset.
func ListEnv(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return SplitList(v)
}

// SplitList splits s on commas and whitespace, dropping empty entries.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
