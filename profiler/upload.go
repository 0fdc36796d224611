// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/googleapis/gax-go/v2"

	"github.com/DataDog/dd-profiling-go/internal/log"
	"github.com/DataDog/dd-profiling-go/internal/version"
)

// httpError is returned for every non-2xx response of the agent.
type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP Error %d", e.code)
}

// retryable reports whether the request may succeed when sent again.
func (e *httpError) retryable() bool {
	return e.code >= 500
}

type uploadEvent struct {
	Start          string           `json:"start"`
	End            string           `json:"end"`
	Attachments    []string         `json:"attachments"`
	Tags           string           `json:"tags_profiler"`
	Family         string           `json:"family"`
	Version        string           `json:"version"`
	EndpointCounts map[string]int64 `json:"endpoint_counts,omitempty"`
	Info           struct {
		Profiler profilerInfo `json:"profiler"`
		Runtime  runtimeInfo  `json:"runtime"`
	} `json:"info"`
}

// profilerInfo holds profiler-specific information which should be attached to
// the event for backend consumption
type profilerInfo struct {
	// Activation distinguishes how the profiler was enabled, either "auto"
	// (env var set via admission controller) or "manual"
	Activation  string `json:"activation"`
	Version     string `json:"version"`
	Serverless  bool   `json:"serverless"`
	Compression string `json:"compression,omitempty"`
	Snapshot    string `json:"snapshot"`
}

type runtimeInfo struct {
	Engine string `json:"engine"`
}

// agentExporter uploads batches to the agent's profiling endpoint.
type agentExporter struct {
	url     string
	client  *http.Client
	timeout time.Duration
	statsd  StatsdClient
}

// NewAgentExporter returns an exporter that uploads batches to the agent at
// agentURL, which may use the http, https or unix scheme. Each export is
// given timeout to complete, retries included.
func NewAgentExporter(agentURL string, timeout time.Duration) (Exporter, error) {
	cfg := config{httpClient: defaultClient}
	WithAgentURL(agentURL)(&cfg)
	if cfg.agentURL == "" {
		return nil, fmt.Errorf("invalid agent URL %q", agentURL)
	}
	return newAgentExporter(cfg.agentURL, cfg.httpClient, timeout, nil)
}

func newAgentExporter(target string, client *http.Client, timeout time.Duration, statsd StatsdClient) (*agentExporter, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid upload timeout, must be > 0: %s", timeout)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid agent URL %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid agent URL %q: unsupported scheme", target)
	}
	if statsd == nil {
		statsd = &ddstatsd.NoOpClient{}
	}
	return &agentExporter{url: target, client: client, timeout: timeout, statsd: statsd}, nil
}

// computeRetries splits the upload timeout into a number of retries and the
// timeout of the first attempt. Each attempt doubles the timeout of the
// previous one, so that the attempts together fit into about twice
// uploadTimeout. There are always at least two retries.
func computeRetries(uploadTimeout time.Duration) (int, time.Duration) {
	tries := 0
	for tries < 2 || uploadTimeout > time.Second {
		tries++
		uploadTimeout /= 2
	}
	return tries, uploadTimeout.Truncate(time.Millisecond)
}

// Export implements Exporter. Server errors and transport errors are
// retried with a jittered exponential backoff until the upload timeout is
// reached; client errors are not.
func (e *agentExporter) Export(ctx context.Context, bat *Batch) error {
	contentType, body, err := encode(bat)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	retries, attemptTimeout := computeRetries(e.timeout)
	if attemptTimeout <= 0 {
		attemptTimeout = e.timeout
	}
	bo := gax.Backoff{
		Initial:    max(attemptTimeout/4, time.Millisecond),
		Max:        max(e.timeout/4, time.Millisecond),
		Multiplier: 2,
	}
	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		log.Debug("Submitting profiler agent report attempt #%d to: %s", attempt, e.url)
		err := e.doRequest(ctx, attemptTimeout, contentType, body)
		if err == nil {
			return nil
		}
		var herr *httpError
		if errors.As(err, &herr) && !herr.retryable() {
			return err
		}
		if ctx.Err() != nil {
			// the budget ran out during this attempt
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		lastErr = err
		log.Debug("Error from the agent: %v", err)
		if attempt > retries {
			break
		}
		e.statsd.Count("datadog.profiling.go.upload_retries", 1, nil, 1)
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			break
		}
		attemptTimeout *= 2
	}
	return lastErr
}

// doRequest sends one attempt, bounded by timeout and the deadline of ctx.
func (e *agentExporter) doRequest(ctx context.Context, timeout time.Duration, contentType string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("DD-EVP-ORIGIN", "dd-profiling-go")
	req.Header.Set("DD-EVP-ORIGIN-VERSION", version.Tag)

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// drain the body so that the connection can be reused
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return &httpError{code: resp.StatusCode}
}

// encode encodes the batch as the multipart form expected by the agent.
func encode(bat *Batch) (contentType string, body []byte, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"recording-start", bat.Start.Format(time.RFC3339Nano)},
		{"recording-end", bat.End.Format(time.RFC3339Nano)},
		{"language", "go"},
		{"runtime", "go"},
		{"format", "pprof"},
	}
	for _, tag := range bat.Tags {
		fields = append(fields, [2]string{"tags[]", tag})
	}
	for i, p := range bat.Profiles {
		fields = append(fields, [2]string{fmt.Sprintf("types[%d]", i), p.Type})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", nil, err
		}
	}

	for i, p := range bat.Profiles {
		fw, err := mw.CreateFormFile(fmt.Sprintf("data[%d]", i), p.Filename())
		if err != nil {
			return "", nil, err
		}
		if _, err := fw.Write(p.Data); err != nil {
			return "", nil, err
		}
	}

	event := uploadEvent{
		Start:          bat.Start.Format(time.RFC3339Nano),
		End:            bat.End.Format(time.RFC3339Nano),
		Tags:           strings.Join(bat.Tags, ","),
		Family:         "go",
		Version:        "4",
		EndpointCounts: bat.EndpointCounts,
	}
	for _, p := range bat.Profiles {
		event.Attachments = append(event.Attachments, p.Filename())
	}
	event.Info.Profiler = profilerInfo{
		Activation:  bat.Info.Activation,
		Version:     version.Tag,
		Serverless:  bat.Info.Serverless,
		Compression: bat.Info.Compression,
		Snapshot:    bat.Snapshot.String(),
	}
	event.Info.Runtime = runtimeInfo{Engine: "go"}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="event"; filename="event.json"`)
	h.Set("Content-Type", "application/json")
	ew, err := mw.CreatePart(h)
	if err != nil {
		return "", nil, err
	}
	if err := json.NewEncoder(ew).Encode(event); err != nil {
		return "", nil, err
	}
	if err := mw.Close(); err != nil {
		return "", nil, err
	}
	return mw.FormDataContentType(), buf.Bytes(), nil
}
