package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/groundstation/internal/telemetry"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestFlightLogNameAndRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Dir: dir}, zerolog.Nop())

	now := time.Date(2026, 6, 13, 14, 5, 9, 0, time.UTC)
	if err := l.Open(now); err != nil {
		t.Fatalf("open: %v", err)
	}
	want := filepath.Join(dir, "flight_2026-06-13_140509.csv")
	if l.Path() != want {
		t.Fatalf("path = %s, want %s", l.Path(), want)
	}

	rec := telemetry.Record{TeamID: 1082, PacketCount: 1, Altitude: 150.25, GPSLatitude: 32.12344}
	if err := l.Record(rec); err != nil {
		t.Fatalf("record: %v", err)
	}

	// flushed per row, readable before close
	rows := readRows(t, want)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(telemetry.Header, ",") {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][5] != "150.2" || rows[1][14] != "32.1234" {
		t.Fatalf("row = %v", rows[1])
	}

	l.Close()
	if l.Path() != "" {
		t.Fatalf("path not cleared after close")
	}
	if err := l.Record(rec); err != nil {
		t.Fatalf("record after close should be a no-op: %v", err)
	}
}

func TestFlightLogDisabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Dir: dir}, zerolog.Nop())
	if err := l.Open(time.Now()); err != nil {
		t.Fatal(err)
	}
	l.Record(telemetry.Record{TeamID: 1})
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("disabled logger created %d files", len(entries))
	}
}

func TestFlightLogRotates(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Dir: dir}, zerolog.Nop())
	l.maxRows = 3
	if err := l.Open(time.Now()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 7; i++ {
		if err := l.Record(telemetry.Record{TeamID: 1082, PacketCount: i}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 3 {
		t.Fatalf("files = %d, want 3", len(entries))
	}
	total := 0
	for _, e := range entries {
		total += len(readRows(t, filepath.Join(dir, e.Name()))) - 1
	}
	if total != 7 {
		t.Fatalf("rows across files = %d, want 7", total)
	}
}

func TestSetEnabledClosesFile(t *testing.T) {
	l := New(Config{Enabled: true, Dir: t.TempDir()}, zerolog.Nop())
	l.Open(time.Now())
	l.SetEnabled(false)
	if l.IsEnabled() || l.Path() != "" {
		t.Fatalf("logger still writing after disable")
	}
}
