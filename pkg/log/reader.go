package log

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects trace events. Zero fields select everything.
type Filter struct {
	ConnectionID string
	Host         string

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time

	Layer     *Layer
	Direction *Direction
	Category  *Category
}

// Match reports whether event passes every criterion set in f.
func (f Filter) Match(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID:
		return false
	case f.Host != "" && event.Host != f.Host:
		return false
	case f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart):
		return false
	case f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	case f.Layer != nil && event.Layer != *f.Layer:
		return false
	case f.Direction != nil && event.Direction != *f.Direction:
		return false
	case f.Category != nil && event.Category != *f.Category:
		return false
	}
	return true
}

// Reader streams events out of a trace file.
//
// A client killed mid-write leaves a partial record at the end of its
// trace. The reader stops there with io.EOF and reports it via Truncated
// instead of failing the whole file.
type Reader struct {
	file      *os.File
	dec       *cbor.Decoder
	filter    Filter
	truncated bool
}

// NewReader opens the trace at path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens the trace at path, yielding only events that
// match filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, dec: NewDecoder(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end of the trace.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		err := r.dec.Decode(&event)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.truncated = true
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, err
		}
		if r.filter.Match(event) {
			return event, nil
		}
	}
}

// Truncated reports whether the trace ended in a partial record.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// Close closes the trace file.
func (r *Reader) Close() error {
	return r.file.Close()
}
