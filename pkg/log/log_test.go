package log

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingLogger) Log(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 30, 0, 123456789, time.UTC)
	dur := 42 * time.Millisecond
	original := Event{
		Timestamp:    ts,
		ConnectionID: "abc12345-def6-7890-abcd-ef1234567890",
		Direction:    DirectionOut,
		Layer:        LayerHTTP,
		Category:     CategoryMessage,
		RemoteAddr:   "wss://relay.example/",
		Host:         "hiplan.thi.de",
		Message: &MessageEvent{
			Type:      MessageTypeResponse,
			Sequence:  7,
			Service:   "session",
			Operation: "open",
			Duration:  &dur,
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if decoded.Host != original.Host || decoded.ConnectionID != original.ConnectionID {
		t.Errorf("identifiers: got %q/%q", decoded.Host, decoded.ConnectionID)
	}
	if decoded.Message == nil {
		t.Fatal("Message payload lost")
	}
	if decoded.Message.Sequence != 7 || decoded.Message.Operation != "open" {
		t.Errorf("Message: got %+v", decoded.Message)
	}
	if decoded.Message.Duration == nil || *decoded.Message.Duration != dur {
		t.Errorf("Duration: got %v, want %v", decoded.Message.Duration, dur)
	}
}

func TestNewFrameEventTruncates(t *testing.T) {
	t.Run("Small", func(t *testing.T) {
		fe := NewFrameEvent([]byte{1, 2, 3})
		if fe.Size != 3 || fe.Truncated || len(fe.Data) != 3 {
			t.Errorf("got %+v", fe)
		}
	})

	t.Run("Large", func(t *testing.T) {
		data := make([]byte, MaxFrameCapture+10)
		fe := NewFrameEvent(data)
		if fe.Size != len(data) {
			t.Errorf("Size = %d, want %d", fe.Size, len(data))
		}
		if !fe.Truncated || len(fe.Data) != MaxFrameCapture {
			t.Errorf("expected truncation to %d bytes, got %d", MaxFrameCapture, len(fe.Data))
		}
	})

	t.Run("CopiesInput", func(t *testing.T) {
		data := []byte{9}
		fe := NewFrameEvent(data)
		data[0] = 0
		if fe.Data[0] != 9 {
			t.Error("frame event aliases caller buffer")
		}
	})
}

func TestEnumStrings(t *testing.T) {
	cases := map[string]string{
		DirectionIn.String():           "IN",
		Direction(9).String():          "UNKNOWN",
		LayerBridge.String():           "BRIDGE",
		LayerCache.String():            "CACHE",
		CategoryState.String():         "STATE",
		MessageTypeRequest.String():    "REQUEST",
		StateEntitySession.String():    "SESSION",
		StateEntityConnection.String(): "CONNECTION",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestEmit(t *testing.T) {
	t.Run("NilLogger", func(t *testing.T) {
		Emit(nil, Event{}) // must not panic
	})

	t.Run("StampsTimestamp", func(t *testing.T) {
		rec := &recordingLogger{}
		Emit(rec, Event{ConnectionID: "c"})
		if len(rec.events) != 1 || rec.events[0].Timestamp.IsZero() {
			t.Fatalf("expected stamped event, got %+v", rec.events)
		}
	})

	t.Run("KeepsTimestamp", func(t *testing.T) {
		rec := &recordingLogger{}
		ts := time.Unix(100, 0)
		Emit(rec, Event{Timestamp: ts})
		if !rec.events[0].Timestamp.Equal(ts) {
			t.Errorf("timestamp overwritten: %v", rec.events[0].Timestamp)
		}
	})
}

func TestMultiLoggerFansOut(t *testing.T) {
	a, b := &recordingLogger{}, &recordingLogger{}
	m := NewMultiLogger(a, nil, b)
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}
	m.Log(Event{ConnectionID: "x"})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("events not delivered to all loggers: %d %d", len(a.events), len(b.events))
	}
}

func TestSlogAdapterLogsMessageEvent(t *testing.T) {
	var buf bytes.Buffer
	slogger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewSlogAdapter(slogger).Log(Event{
		ConnectionID: "conn-123",
		Direction:    DirectionOut,
		Layer:        LayerHTTP,
		Category:     CategoryMessage,
		Message:      &MessageEvent{Type: MessageTypeRequest, Sequence: 1, Service: "thiapp", Operation: "stpl"},
	})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry["msg"] != "protocol" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["layer"] != "HTTP" || entry["service"] != "thiapp" || entry["operation"] != "stpl" {
		t.Errorf("unexpected attrs: %v", entry)
	}
}

func TestFileLoggerAndReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.tlog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	base := time.Now()
	events := []Event{
		{Timestamp: base, ConnectionID: "conn-1", Direction: DirectionOut, Layer: LayerBridge, Category: CategoryMessage, Frame: NewFrameEvent([]byte{1})},
		{Timestamp: base.Add(time.Second), ConnectionID: "conn-1", Direction: DirectionIn, Layer: LayerHTTP, Category: CategoryMessage, Host: "a"},
		{Timestamp: base.Add(2 * time.Second), ConnectionID: "conn-2", Layer: LayerSession, Category: CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntitySession, NewState: "ACTIVE"}},
	}
	for _, e := range events {
		logger.Log(e)
	}
	if logger.Written() != 3 {
		t.Errorf("Written = %d, want 3", logger.Written())
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	logger.Log(events[0]) // ignored after close
	if err := logger.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	t.Run("All", func(t *testing.T) {
		r, err := NewReader(path)
		if err != nil {
			t.Fatalf("NewReader failed: %v", err)
		}
		defer r.Close()
		n := 0
		for {
			_, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			n++
		}
		if n != 3 {
			t.Errorf("read %d events, want 3", n)
		}
	})

	t.Run("Filtered", func(t *testing.T) {
		layer := LayerHTTP
		r, err := NewFilteredReader(path, Filter{ConnectionID: "conn-1", Layer: &layer})
		if err != nil {
			t.Fatalf("NewFilteredReader failed: %v", err)
		}
		defer r.Close()
		e, err := r.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if e.Host != "a" {
			t.Errorf("Host = %q, want %q", e.Host, "a")
		}
		if _, err := r.Next(); err != io.EOF {
			t.Errorf("expected EOF, got %v", err)
		}
	})

	t.Run("TimeWindow", func(t *testing.T) {
		start := base.Add(500 * time.Millisecond)
		end := base.Add(1500 * time.Millisecond)
		r, err := NewFilteredReader(path, Filter{TimeStart: &start, TimeEnd: &end})
		if err != nil {
			t.Fatalf("NewFilteredReader failed: %v", err)
		}
		defer r.Close()
		e, err := r.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if e.Direction != DirectionIn {
			t.Errorf("got wrong event: %+v", e)
		}
	})
}

func TestReaderTruncatedTrace(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 2; i++ {
		if err := enc.Encode(Event{ConnectionID: "conn-1", Layer: LayerBridge, Frame: NewFrameEvent([]byte("tls record"))}); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}
	partial, err := EncodeEvent(Event{ConnectionID: "conn-1", Host: "hiplan.thi.de"})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	buf.Write(partial[:len(partial)/2])

	path := filepath.Join(t.TempDir(), "killed.cbor")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	n := 0
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		n++
	}
	if n != 2 {
		t.Errorf("read %d events, want 2", n)
	}
	if !r.Truncated() {
		t.Error("Truncated() = false for a partial final record")
	}
}

func TestFilterMatch(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := base.Add(time.Second)
	layer := LayerSession
	in := DirectionIn
	event := Event{Timestamp: base, ConnectionID: "conn-1", Host: "hiplan.thi.de", Layer: LayerSession}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero", Filter{}, true},
		{"connection", Filter{ConnectionID: "conn-1"}, true},
		{"other connection", Filter{ConnectionID: "conn-2"}, false},
		{"other host", Filter{Host: "example.org"}, false},
		{"start inclusive", Filter{TimeStart: &base}, true},
		{"end exclusive", Filter{TimeEnd: &base}, false},
		{"window", Filter{TimeStart: &base, TimeEnd: &end}, true},
		{"layer", Filter{Layer: &layer}, true},
		{"direction", Filter{Direction: &in}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(event); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}
