// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// EncodedProfile is one compressed pprof file of a batch.
type EncodedProfile struct {
	// Type is the name of the source that produced the profile, e.g. "wall".
	Type string
	// Data holds the compressed pprof bytes.
	Data []byte
}

// Filename returns the name of the profile's attachment.
func (p EncodedProfile) Filename() string {
	return p.Type + ".pprof"
}

// BatchInfo carries metadata describing the process and profiler settings.
type BatchInfo struct {
	Serverless  bool   `json:"serverless"`
	Compression string `json:"compression"`
	Activation  string `json:"activation"`
}

// Batch is the set of profiles covering one window, along with what an
// exporter needs to ship them. Exporters must not modify it.
type Batch struct {
	Seq            uint64
	Start, End     time.Time
	Host           string
	Profiles       []EncodedProfile
	Tags           []string
	EndpointCounts map[string]int64
	Snapshot       SnapshotKind
	Info           BatchInfo
}

// An Exporter ships batches of profiles. Export may be called concurrently.
type Exporter interface {
	Export(ctx context.Context, bat *Batch) error
}

// exporterFactory creates an exporter from the configuration.
type exporterFactory func(cfg *config) (Exporter, error)

// exporterRegistry maps the names accepted by WithExporters and
// DD_PROFILING_EXPORTERS to their implementation.
var exporterRegistry = map[string]exporterFactory{
	"agent": func(cfg *config) (Exporter, error) {
		return newAgentExporter(cfg.agentURL, cfg.httpClient, cfg.uploadTimeout, cfg.statsd)
	},
	"file": func(cfg *config) (Exporter, error) {
		return NewFileExporter(cfg.outputDir, cfg.outputPrefix), nil
	},
}

// FileExporter writes every profile of a batch to its own gzip file, named
// after the profile type. Each batch overwrites the files of the previous one.
type FileExporter struct {
	dir, prefix string
}

// NewFileExporter returns an exporter writing <prefix><type>.pb.gz files to
// dir, the working directory if empty.
func NewFileExporter(dir, prefix string) *FileExporter {
	return &FileExporter{dir: dir, prefix: prefix}
}

// Export implements Exporter.
func (e *FileExporter) Export(_ context.Context, bat *Batch) error {
	for _, p := range bat.Profiles {
		data, err := gzipped(p.Data)
		if err != nil {
			return fmt.Errorf("compressing %s profile: %w", p.Type, err)
		}
		name := filepath.Join(e.dir, e.prefix+p.Type+".pb.gz")
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return fmt.Errorf("writing %s profile: %w", p.Type, err)
		}
	}
	return nil
}

// sortedTags turns a tag map into "key:value" strings ordered by key.
func sortedTags(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tags := make([]string, 0, len(m))
	for _, k := range keys {
		tags = append(tags, k+":"+m[k])
	}
	return tags
}
