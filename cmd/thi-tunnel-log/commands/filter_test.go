package commands

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/neuland-ingolstadt/thi-tunnel/pkg/log"
)

func TestFilterWritesMatchingEvents(t *testing.T) {
	ts := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	events := append(
		requestResponse(ts, "conn-aaaa", 1, "session", "open", time.Millisecond),
		requestResponse(ts.Add(time.Hour), "conn-bbbb", 1, "thiapp", "stpl", time.Millisecond)...,
	)
	path := createTestLogFile(t, events)
	out := filepath.Join(t.TempDir(), "filtered.cbor")

	end := ts.Add(30 * time.Minute)
	n, err := RunFilter(path, out, log.Filter{TimeEnd: &end})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}

	reader, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("open filtered file: %v", err)
	}
	defer reader.Close()

	count := 0
	for {
		e, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if e.ConnectionID != "conn-aaaa" {
			t.Errorf("unexpected event from %s", e.ConnectionID)
		}
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 events in output, got %d", count)
	}
}

func TestFilterMissingInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "filtered.cbor")
	if _, err := RunFilter(filepath.Join(t.TempDir(), "missing.cbor"), out, log.Filter{}); err == nil {
		t.Error("expected error for missing input")
	}
}
