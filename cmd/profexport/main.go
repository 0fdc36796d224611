// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024 Datadog, Inc.

// Command profexport uploads a profile file to the Datadog Agent. The
// profiler runs it to ship heap snapshots taken when the process is about
// to run out of memory, so that the upload does not depend on the dying
// process.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/DataDog/dd-profiling-go/profiler"
)

type exportParams struct {
	URL         string
	Type        string
	Tags        []string
	Compression string
	Start       string
	End         string
	Timeout     time.Duration
	Remove      bool
}

func main() {
	if err := command().Execute(); err != nil {
		os.Exit(1)
	}
}

// command returns the root command of profexport.
func command() *cobra.Command {
	var params exportParams

	cmd := &cobra.Command{
		Use:          "profexport [flags] FILE",
		Short:        "upload a profile to the Datadog Agent",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return export(cmd.Context(), params, args[0])
		},
	}

	cmd.Flags().StringVar(&params.URL, "url", "http://localhost:8126", "base URL of the agent, http(s):// or unix://")
	cmd.Flags().StringVar(&params.Type, "type", "space", "profile type of the file")
	cmd.Flags().StringSliceVar(&params.Tags, "tags", nil, "comma separated key:value tags")
	cmd.Flags().StringVar(&params.Compression, "compression", "", "compression of the file, reported with the upload")
	cmd.Flags().StringVar(&params.Start, "start", "", "start of the profiled window (RFC 3339), defaults to --end")
	cmd.Flags().StringVar(&params.End, "end", "", "end of the profiled window (RFC 3339), defaults to the file's modification time")
	cmd.Flags().DurationVar(&params.Timeout, "timeout", profiler.DefaultUploadTimeout, "time budget of the upload, retries included")
	cmd.Flags().BoolVar(&params.Remove, "rm", false, "remove the file once uploaded")

	return cmd
}

func export(ctx context.Context, params exportParams, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	end, err := parseTime(params.End)
	if err != nil {
		return fmt.Errorf("invalid --end: %w", err)
	}
	if end.IsZero() {
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		end = fi.ModTime().UTC()
	}
	start, err := parseTime(params.Start)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	if start.IsZero() {
		start = end
	}
	exp, err := profiler.NewAgentExporter(params.URL, params.Timeout)
	if err != nil {
		return err
	}
	bat := &profiler.Batch{
		Start:    start,
		End:      end,
		Profiles: []profiler.EncodedProfile{{Type: params.Type, Data: data}},
		Tags:     params.Tags,
		Snapshot: profiler.SnapshotOnOutOfMemory,
		Info:     profiler.BatchInfo{Compression: params.Compression, Activation: "manual"},
	}
	if err := exp.Export(ctx, bat); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	if params.Remove {
		return os.Remove(path)
	}
	return nil
}

// parseTime parses an RFC 3339 time, returning the zero time for "".
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
