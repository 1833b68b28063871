// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/carhelper/lib/clock"
	"github.com/bureau-foundation/carhelper/lib/codec"
	"github.com/bureau-foundation/carhelper/lib/version"
)

// Compression names accepted by Writer.
const (
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// Report is the content of one dump file.
type Report struct {
	ID         string          `cbor:"id"`
	TimeUnixMs int64           `cbor:"time_unix_ms"`
	Reason     string          `cbor:"reason"`
	Build      string          `cbor:"build"`
	PIDs       []int           `cbor:"pids"`
	Processes  []ProcessStatus `cbor:"processes"`
	Goroutines string          `cbor:"goroutines"`

	// Digest is the BLAKE3 hash of the report encoded with Digest
	// empty, hex encoded.
	Digest string `cbor:"digest"`
}

// ProcessStatus is the /proc status of one captured process.
type ProcessStatus struct {
	PID    int    `cbor:"pid"`
	Status string `cbor:"status,omitempty"`
	Error  string `cbor:"error,omitempty"`
}

// Writer writes crash reports into Directory.
type Writer struct {
	Directory   string
	Compression string
	Collector   *Collector
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Dump captures a report and writes it. The returned string is the
// path of the written file.
func (w *Writer) Dump(ctx context.Context, reason string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := w.clock().Now()
	report := Report{
		ID:         uuid.NewString(),
		TimeUnixMs: now.UnixMilli(),
		Reason:     reason,
		Build:      version.Info(),
		Goroutines: goroutineStacks(),
	}
	if w.Collector != nil {
		report.PIDs = w.Collector.InterestingPIDs()
		for _, pid := range report.PIDs {
			status := ProcessStatus{PID: pid}
			text, err := w.Collector.processStatus(pid)
			if err != nil {
				status.Error = err.Error()
			} else {
				status.Status = text
			}
			report.Processes = append(report.Processes, status)
		}
	}

	unsigned, err := codec.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encoding crash report: %w", err)
	}
	digest := blake3.Sum256(unsigned)
	report.Digest = hex.EncodeToString(digest[:])
	encoded, err := codec.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encoding crash report: %w", err)
	}

	compressed, extension, err := compress(encoded, w.Compression)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(w.Directory, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", w.Directory, err)
	}
	name := fmt.Sprintf("crash-%d-%s.cbor%s", report.TimeUnixMs, report.Digest[:12], extension)
	path := filepath.Join(w.Directory, name)

	temporary, err := os.CreateTemp(w.Directory, ".crash-*")
	if err != nil {
		return "", fmt.Errorf("creating crash report: %w", err)
	}
	defer os.Remove(temporary.Name())
	if _, err := temporary.Write(compressed); err != nil {
		temporary.Close()
		return "", fmt.Errorf("writing crash report: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return "", fmt.Errorf("writing crash report: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		return "", fmt.Errorf("publishing crash report: %w", err)
	}

	w.logger().Info("crash report written",
		"path", path,
		"id", report.ID,
		"pids", report.PIDs,
		"bytes", len(compressed),
	)
	return path, nil
}

// ReadReport reads a report written by Writer and verifies its
// digest. The compression is taken from the file extension.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, ".zst"):
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer decoder.Close()
		if data, err = decoder.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	case strings.HasSuffix(path, ".lz4"):
		if data, err = io.ReadAll(lz4.NewReader(bytes.NewReader(data))); err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
	}

	var report Report
	if err := codec.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding crash report: %w", err)
	}
	claimed := report.Digest
	report.Digest = ""
	unsigned, err := codec.Marshal(report)
	if err != nil {
		return nil, err
	}
	digest := blake3.Sum256(unsigned)
	if hex.EncodeToString(digest[:]) != claimed {
		return nil, fmt.Errorf("crash report %s: digest mismatch", path)
	}
	report.Digest = claimed
	return &report, nil
}

func compress(data []byte, compression string) ([]byte, string, error) {
	switch compression {
	case CompressionZstd, "":
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, "", fmt.Errorf("zstd encoder: %w", err)
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), ".zst", nil

	case CompressionLZ4:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(data); err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compress: %w", err)
		}
		return buffer.Bytes(), ".lz4", nil

	case CompressionNone:
		return data, "", nil

	default:
		return nil, "", fmt.Errorf("unknown compression %q", compression)
	}
}

// goroutineStacks returns the stacks of every goroutine in this
// process.
func goroutineStacks() string {
	buffer := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buffer, true)
		if n < len(buffer) {
			return string(buffer[:n])
		}
		if len(buffer) >= 16<<20 {
			return string(buffer[:n])
		}
		buffer = make([]byte, 2*len(buffer))
	}
}

func (w *Writer) clock() clock.Clock {
	if w.Clock == nil {
		return clock.Real()
	}
	return w.Clock
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
