// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package version holds the profiler release version.
package version

// Tag specifies the current release tag. It needs to be manually updated. A test
// checks that the value of Tag conforms to the format v<major>.<minor>.<patch>.
const Tag = "v0.4.0"
