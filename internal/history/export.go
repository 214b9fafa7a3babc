package history

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

// ErrFileSystem wraps failures to create or write an export artifact.
var ErrFileSystem = errors.New("history: file system error")

// ExportResult describes a written artifact.
type ExportResult struct {
	Path   string `json:"path"`
	Rows   int    `json:"rows"`
	Digest string `json:"digest"` // BLAKE3 of the bytes on disk, hex
}

// Export writes the selected records to path as CSV, truncating any existing
// file. Paths ending in .zst are zstd-compressed. The history lock is held
// only while copying the snapshot.
func (h *History) Export(path string, sel Selection) (ExportResult, error) {
	records, err := h.Snapshot(sel)
	if err != nil {
		return ExportResult{}, err
	}
	return WriteCSV(path, records)
}

// WriteCSV writes records to path with the telemetry header and precision.
func WriteCSV(path string, records []telemetry.Record) (ExportResult, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ExportResult{}, fmt.Errorf("%w: mkdir %s: %w", ErrFileSystem, dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return ExportResult{}, fmt.Errorf("%w: create %s: %w", ErrFileSystem, path, err)
	}

	hasher := blake3.New()
	sink := io.MultiWriter(f, hasher)

	var zw *zstd.Encoder
	var w io.Writer = sink
	if strings.HasSuffix(path, ".zst") {
		zw, err = zstd.NewWriter(sink, zstd.WithEncoderConcurrency(1))
		if err != nil {
			f.Close()
			return ExportResult{}, fmt.Errorf("%w: zstd: %w", ErrFileSystem, err)
		}
		w = zw
	}

	if err := encodeCSV(w, records); err != nil {
		if zw != nil {
			zw.Close()
		}
		f.Close()
		return ExportResult{}, fmt.Errorf("%w: write %s: %w", ErrFileSystem, path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return ExportResult{}, fmt.Errorf("%w: compress %s: %w", ErrFileSystem, path, err)
		}
	}
	if err := f.Close(); err != nil {
		return ExportResult{}, fmt.Errorf("%w: close %s: %w", ErrFileSystem, path, err)
	}

	return ExportResult{
		Path:   path,
		Rows:   len(records),
		Digest: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func encodeCSV(w io.Writer, records []telemetry.Record) error {
	cw := csv.NewWriter(w)
	cw.Comma = telemetry.Delimiter
	if err := cw.Write(telemetry.Header); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(telemetry.Format(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
