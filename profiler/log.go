// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2022 Datadog, Inc.

package profiler

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/DataDog/dd-profiling-go/internal/log"
	"github.com/DataDog/dd-profiling-go/internal/version"
)

// Logger receives the profiler's log messages.
type Logger = log.Logger

// UseLogger sets l as the destination of the profiler's log messages. The
// returned function restores the previous logger.
func UseLogger(l Logger) (undo func()) {
	return log.UseLogger(l)
}

type startupInfo struct {
	Date                 string   `json:"date"`                  // ISO 8601 date and time of start
	Version              string   `json:"version"`               // Profiler version
	Lang                 string   `json:"lang"`                  // "Go"
	LangVersion          string   `json:"lang_version"`          // Go version, e.g. go1.22
	Architecture         string   `json:"architecture"`          // Architecture of host machine
	Service              string   `json:"service"`               // Profiled service
	Env                  string   `json:"env"`                   // Profiled env
	AppVersion           string   `json:"dd_version"`            // Version of the user's application
	AgentURL             string   `json:"agent_url"`             // Intake URL of the agent
	Tags                 []string `json:"tags"`                  // Tags sent with every batch
	Profilers            []string `json:"profilers"`             // Enabled profile sources
	Exporters            []string `json:"exporters"`             // Enabled exporter names
	Period               string   `json:"period"`                // Length of a profiling window
	UploadTimeout        string   `json:"upload_timeout"`        // Time budget of one export
	Compression          string   `json:"compression"`           // Upload compression
	WallSamplingRate     int      `json:"wall_sampling_rate"`    // Hz
	HeapSamplingInterval int      `json:"heap_sampling_bytes"`   // Initial allocation sampling interval
	AdaptiveHeap         bool     `json:"adaptive_heap"`         // Heap interval adapts every window
	EndpointCollection   bool     `json:"endpoint_collection"`   // "trace endpoint" label and counts
	CodeHotspots         bool     `json:"code_hotspots"`         // span id labels
	Timeline             bool     `json:"timeline"`              // per-tick wall samples
	OOMMonitoring        bool     `json:"oom_monitoring"`        // near out-of-memory guard
	OOMStrategies        []string `json:"oom_export_strategies"` // how OOM snapshots are shipped
	Serverless           bool     `json:"serverless"`            // serverless scheduling
	Activation           string   `json:"activation"`            // "auto" or "manual"
	Debug                bool     `json:"debug"`                 // Debug logging
}

// logStartup logs the configuration of p as JSON.
func logStartup(p *Profiler) {
	c := p.cfg
	info := startupInfo{
		Date:                 now().Format(time.RFC3339),
		Version:              version.Tag,
		Lang:                 "Go",
		LangVersion:          runtime.Version(),
		Architecture:         runtime.GOARCH,
		Service:              c.service,
		Env:                  c.env,
		AppVersion:           c.version,
		AgentURL:             c.agentURL,
		Tags:                 p.tags,
		Exporters:            c.exporterNames,
		Period:               c.period.String(),
		UploadTimeout:        c.uploadTimeout.String(),
		Compression:          c.compression.String(),
		WallSamplingRate:     c.wallHz,
		HeapSamplingInterval: c.heapInterval,
		AdaptiveHeap:         c.adaptiveHeap,
		EndpointCollection:   c.endpointCollection,
		CodeHotspots:         c.codeHotspots,
		Timeline:             c.timeline,
		OOMMonitoring:        c.oom.enabled,
		OOMStrategies:        c.oom.strategies,
		Serverless:           c.serverless,
		Activation:           c.activation,
		Debug:                c.debug,
	}
	for _, s := range p.sources {
		info.Profilers = append(info.Profilers, s.Type())
	}
	bs, err := json.Marshal(info)
	if err != nil {
		log.Warn("Failed to serialize json for startup log: (%v) %#v", err, info)
		return
	}
	log.Info("Profiler configuration: %s", bs)
}
