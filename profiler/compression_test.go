// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025 Datadog, Inc.

package profiler

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/dd-profiling-go/internal/log"
)

var (
	gzip1Compression = compression{algorithm: compressionAlgorithmGzip, level: 1}
	gzip6Compression = compression{algorithm: compressionAlgorithmGzip, level: 6}
)

func TestNewCompressionPipeline(t *testing.T) {
	plainData := []byte("hello world")
	gzip1Data := compressData(t, plainData, gzip1Compression)
	gzip6Data := compressData(t, plainData, gzip6Compression)
	zstdData := compressData(t, plainData, zstdCompression)

	tests := []struct {
		in   compression
		out  compression
		data []byte
		want []byte
	}{
		{noCompression, gzip1Compression, plainData, gzip1Data},
		{noCompression, gzip6Compression, plainData, gzip6Data},
		{noCompression, zstdCompression, plainData, zstdData},
		{noCompression, noCompression, plainData, plainData},
		{gzip1Compression, gzip1Compression, gzip1Data, gzip1Data},
		{gzip6Compression, gzip6Compression, gzip6Data, gzip6Data},
		{gzip1Compression, zstdCompression, gzip1Data, zstdData},
		{gzip6Compression, zstdCompression, gzip6Data, zstdData},
	}

	for _, test := range tests {
		t.Run(fmt.Sprintf("%s->%s", test.in, test.out), func(t *testing.T) {
			pipeline, err := newCompressionPipeline(test.in, test.out)
			require.NoError(t, err)
			buf := &bytes.Buffer{}
			pipeline.Reset(buf)
			_, err = pipeline.Write(test.data)
			require.NoError(t, err)
			require.NoError(t, pipeline.Close())
			require.Equal(t, test.want, buf.Bytes())
		})
	}

	t.Run("unsupported", func(t *testing.T) {
		_, err := newCompressionPipeline(zstdCompression, gzip1Compression)
		require.Error(t, err)
	})
}

func TestCompress(t *testing.T) {
	data := bytes.Repeat([]byte("main;foo;bar 1\n"), 100)
	out, err := compress(data, noCompression, compression{algorithm: compressionAlgorithmZstd, level: 19})
	require.NoError(t, err)
	checkZstdLevel(t, out, zstd.EncoderLevelFromZstd(19))

	out, err = compress(data, noCompression, compression{algorithm: compressionAlgorithmGzip})
	require.NoError(t, err)
	zr, err := kgzip.NewReader(bytes.NewReader(out))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestGzipped(t *testing.T) {
	data := bytes.Repeat([]byte("main;foo;bar 1\n"), 100)
	for _, in := range []compression{noCompression, zstdCompression, gzip1Compression} {
		t.Run(in.String(), func(t *testing.T) {
			src := data
			if in != noCompression {
				src = compressData(t, data, in)
			}
			assert.Equal(t, in.algorithm, detectCompression(src).algorithm)
			out, err := gzipped(src)
			require.NoError(t, err)
			zr, err := kgzip.NewReader(bytes.NewReader(out))
			require.NoError(t, err)
			got, err := io.ReadAll(zr)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestParseCompression(t *testing.T) {
	gzipN := func(n int) compression { return compression{algorithm: compressionAlgorithmGzip, level: n} }
	zstdN := func(n int) compression { return compression{algorithm: compressionAlgorithmZstd, level: n} }
	tests := []struct {
		in      string
		want    compression
		warning string
	}{
		{"off", noCompression, ""},
		{"on", zstdCompression, ""},
		{"gzip", gzipN(0), ""},
		{"zstd", zstdN(0), ""},
		{"gzip-9", gzipN(9), ""},
		{"zstd-22", zstdN(22), ""},
		{"gzip-3.14", gzipN(3), ""},
		{"foo", zstdCompression, `Invalid profile upload compression method "foo". Will use "on".`},
		{"gzip-foo", gzipN(0), `Invalid compression level "foo". Will use default level.`},
		{"zstd-foo", zstdN(0), `Invalid compression level "foo". Will use default level.`},
		{"on-3", zstdCompression, `Compression levels are not supported for "on".`},
		{"off-foo", noCompression, `Compression levels are not supported for "off".`},
		{"gzip-0", gzipN(1), "Invalid compression level 0. Will use 1."},
		{"gzip-10", gzipN(9), "Invalid compression level 10. Will use 9."},
		{"zstd-0", zstdN(1), "Invalid compression level 0. Will use 1."},
		{"zstd-23", zstdN(22), "Invalid compression level 23. Will use 22."},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			rl := &log.RecordLogger{}
			defer log.UseLogger(rl)()

			assert.Equal(t, test.want, parseCompression(test.in))
			if test.warning == "" {
				assert.Empty(t, rl.Logs())
				return
			}
			require.Len(t, rl.Logs(), 1)
			assert.Contains(t, rl.Logs()[0], "WARN: "+test.warning)
		})
	}
}

// checkZstdLevel checks that data is zstd-compressed with the given level
func checkZstdLevel(t *testing.T, data []byte, level zstd.EncoderLevel) {
	t.Helper()
	require.NotEmpty(t, data)
	zr, err := zstd.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	in := new(bytes.Buffer)
	_, err = io.Copy(in, zr)
	require.NoError(t, err)
	out := new(bytes.Buffer)
	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(level))
	require.NoError(t, err)
	_, err = io.Copy(zw, in)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.Equal(t, data, out.Bytes())
}

func compressData(t testing.TB, data []byte, c compression) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	switch c.algorithm {
	case compressionAlgorithmGzip:
		// NB: we need to use the same gzip implementation here as we do
		// in the compressor since "level" isn't actually a stable thing
		// across implementations
		gw, err := kgzip.NewWriterLevel(buf, c.level)
		require.NoError(t, err)
		_, err = gw.Write(data)
		require.NoError(t, err)
		require.NoError(t, gw.Close())
	case compressionAlgorithmZstd:
		zw, err := zstd.NewWriter(buf, zstd.WithEncoderLevel(zstdEncoderLevel(c.level)))
		require.NoError(t, err)
		_, err = zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
	default:
		t.Fatalf("unsupported compression algorithm: %s", c.algorithm)
	}
	return buf.Bytes()
}
