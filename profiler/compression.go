// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025 Datadog, Inc.

package profiler

/*
In order to save bandwidth and networking cost, the profiler compresses the
profiling data it collects before sending it to Datadog. This file contains
the logic that controls this compression.

Sources hand over uncompressed pprof. The upload compression is chosen with
WithUploadCompression or DD_PROFILING_DEBUG_UPLOAD_COMPRESSION, which accept
"off", "on", "gzip" and "zstd". The latter two may carry a level, e.g.
"gzip-6" or "zstd-19". "on" selects zstd at its default level.
*/

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"strconv"
	"strings"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/DataDog/dd-profiling-go/internal/log"
)

type compressionAlgorithm string

const (
	compressionAlgorithmNone compressionAlgorithm = "none"
	compressionAlgorithmGzip compressionAlgorithm = "gzip"
	compressionAlgorithmZstd compressionAlgorithm = "zstd"
)

// compression is an algorithm and a level. A zero level selects the
// algorithm's default.
type compression struct {
	algorithm compressionAlgorithm
	level     int
}

func (c compression) String() string {
	if c.algorithm == compressionAlgorithmNone {
		return string(c.algorithm)
	}
	if c.level == 0 {
		return string(c.algorithm)
	}
	return fmt.Sprintf("%s-%d", c.algorithm, c.level)
}

// Default compression settings.
var (
	noCompression   = compression{algorithm: compressionAlgorithmNone}
	zstdCompression = compression{algorithm: compressionAlgorithmZstd}
)

// maxLevels holds the highest level accepted for each algorithm.
var maxLevels = map[compressionAlgorithm]int{
	compressionAlgorithmGzip: kgzip.BestCompression,
	compressionAlgorithmZstd: 22,
}

// parseCompression parses the value of DD_PROFILING_DEBUG_UPLOAD_COMPRESSION.
// Invalid input is logged and replaced by a sensible default.
func parseCompression(s string) compression {
	method, levelStr, hasLevel := strings.Cut(strings.TrimSpace(s), "-")
	var c compression
	switch method {
	case "off":
		c = noCompression
	case "on", "":
		c = zstdCompression
	case "gzip":
		c = compression{algorithm: compressionAlgorithmGzip}
	case "zstd":
		c = compression{algorithm: compressionAlgorithmZstd}
	default:
		log.Warn("Invalid profile upload compression method %q. Will use \"on\".", method)
		return zstdCompression
	}
	if !hasLevel {
		return c
	}
	if method == "on" || method == "off" {
		log.Warn("Compression levels are not supported for %q.", method)
		return c
	}
	f, err := strconv.ParseFloat(levelStr, 64)
	if err != nil {
		log.Warn("Invalid compression level %q. Will use default level.", levelStr)
		return c
	}
	level := int(f)
	if level < 1 {
		log.Warn("Invalid compression level %d. Will use 1.", level)
		level = 1
	} else if hi := maxLevels[c.algorithm]; level > hi {
		log.Warn("Invalid compression level %d. Will use %d.", level, hi)
		level = hi
	}
	c.level = level
	return c
}

func zstdEncoderLevel(level int) zstd.EncoderLevel {
	if level == 0 {
		return zstd.SpeedDefault
	}
	return zstd.EncoderLevelFromZstd(level)
}

// newCompressionPipeline returns a compressor that converts the data written to
// it from the expected input compression to the given output compression.
func newCompressionPipeline(in compression, out compression) (compressor, error) {
	if in == out {
		return newPassthroughCompressor(), nil
	}

	if in == noCompression && out.algorithm == compressionAlgorithmGzip {
		return kgzip.NewWriterLevel(nil, cmp.Or(out.level, kgzip.DefaultCompression))
	}

	if in == noCompression && out.algorithm == compressionAlgorithmZstd {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdEncoderLevel(out.level)))
	}

	if in.algorithm == compressionAlgorithmGzip && out.algorithm == compressionAlgorithmZstd {
		return newZstdRecompressor(zstdEncoderLevel(out.level))
	}

	return nil, fmt.Errorf("unsupported recompression: %s -> %s", in, out)
}

// compress runs data through a fresh pipeline from in to out.
func compress(data []byte, in, out compression) ([]byte, error) {
	c, err := newCompressionPipeline(in, out)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	c.Reset(&buf)
	if _, err := c.Write(data); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// detectCompression identifies the compression of data by its magic number.
func detectCompression(data []byte) compression {
	switch {
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return compression{algorithm: compressionAlgorithmGzip}
	case bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return zstdCompression
	}
	return noCompression
}

// gzipped returns data as gzip, whether it is zstd, gzip or not compressed.
func gzipped(data []byte) ([]byte, error) {
	switch detectCompression(data).algorithm {
	case compressionAlgorithmGzip:
		return data, nil
	case compressionAlgorithmZstd:
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		if data, err = zr.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("decompressing zstd: %w", err)
		}
	}
	return compress(data, noCompression, compression{algorithm: compressionAlgorithmGzip})
}

// compressor provides an interface for compressing profiling data. If the input
// is already compressed, it can also act as a re-compressor that decompresses
// the data from one format and then re-compresses it into another format.
type compressor interface {
	io.Writer
	io.Closer
	Reset(w io.Writer)
}

// newPassthroughCompressor returns a compressor that simply passes all data
// through without applying any compression.
func newPassthroughCompressor() *passthroughCompressor {
	return &passthroughCompressor{}
}

type passthroughCompressor struct {
	io.Writer
}

func (r *passthroughCompressor) Reset(w io.Writer) {
	r.Writer = w
}

func (r *passthroughCompressor) Close() error {
	return nil
}

func newZstdRecompressor(level zstd.EncoderLevel) (*zstdRecompressor, error) {
	zstdOut, err := zstd.NewWriter(io.Discard, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	return &zstdRecompressor{zstdOut: zstdOut, err: make(chan error)}, nil
}

// zstdRecompressor turns gzip input, such as profiles read from disk, into
// zstd output.
type zstdRecompressor struct {
	// err synchronizes finishing writes after closing pw and reports any
	// error during recompression
	err     chan error
	pw      *io.PipeWriter
	zstdOut *zstd.Encoder
}

func (r *zstdRecompressor) Reset(w io.Writer) {
	r.zstdOut.Reset(w)
	pr, pw := io.Pipe()
	go func() {
		gzr, err := kgzip.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			r.err <- err
			return
		}
		_, err = io.Copy(r.zstdOut, gzr)
		pr.CloseWithError(err)
		r.err <- err
	}()
	r.pw = pw
}

func (r *zstdRecompressor) Write(p []byte) (int, error) {
	return r.pw.Write(p)
}

func (r *zstdRecompressor) Close() error {
	r.pw.Close()
	err := <-r.err
	return cmp.Or(err, r.zstdOut.Close())
}
