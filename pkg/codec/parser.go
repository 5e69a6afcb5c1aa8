package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// MaxHeaderSize bounds the response status line plus headers.
const MaxHeaderSize = 64 * 1024

// Parse errors.
var (
	ErrMalformedHeader      = errors.New("codec: malformed response header")
	ErrMissingContentLength = errors.New("codec: response has no content length")
	ErrChunkedUnsupported   = errors.New("codec: chunked transfer encoding not supported")
	ErrHeaderTooLarge       = errors.New("codec: response header too large")
	ErrParserDone           = errors.New("codec: response already complete")
	ErrTrailingData         = errors.New("codec: data after response body")
)

// ParseError reports a response body that is not valid JSON. The raw body
// is kept for diagnostics.
type ParseError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("response is not valid JSON (%s)", e.Body)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Response is a parsed backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Value is the decoded JSON document (numbers decode as float64).
	Value any
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Result is the outcome of one Feed call.
type Result struct {
	// Done is true once the response is complete.
	Done bool

	// Response is set when Done is true and the body parsed.
	Response *Response
}

// ParserState is the state of a Parser.
type ParserState uint8

const (
	// StateNeedHeader waits for the end of the header section.
	StateNeedHeader ParserState = iota

	// StateHeaderParsed waits for Content-Length body bytes.
	StateHeaderParsed

	// StateBodyParsed is terminal.
	StateBodyParsed
)

// String returns the state name.
func (s ParserState) String() string {
	switch s {
	case StateNeedHeader:
		return "NEED_HEADER"
	case StateHeaderParsed:
		return "HEADER_PARSED"
	case StateBodyParsed:
		return "BODY_PARSED"
	default:
		return "UNKNOWN"
	}
}

// Parser incrementally parses one response. Chunk boundaries are
// arbitrary: bytes may be split anywhere, including inside the header
// terminator. A Parser is not safe for concurrent use.
type Parser struct {
	state         ParserState
	buf           []byte
	statusCode    int
	header        http.Header
	contentLength int
}

// NewParser returns a parser waiting for a response header.
func NewParser() *Parser {
	return &Parser{}
}

// State returns the parser state.
func (p *Parser) State() ParserState {
	return p.state
}

var headerEnd = []byte("\r\n\r\n")

// Feed appends data and advances the parser. It returns Result{Done: false}
// while more bytes are needed. Once the body is complete it returns the
// response, or a *ParseError if the body is not JSON. Any other error means
// the stream can no longer be framed.
func (p *Parser) Feed(data []byte) (Result, error) {
	if p.state == StateBodyParsed {
		return Result{Done: true}, ErrParserDone
	}
	p.buf = append(p.buf, data...)

	if p.state == StateNeedHeader {
		idx := bytes.Index(p.buf, headerEnd)
		if idx < 0 {
			if len(p.buf) > MaxHeaderSize {
				return p.fail(ErrHeaderTooLarge)
			}
			return Result{}, nil
		}
		if idx > MaxHeaderSize {
			return p.fail(ErrHeaderTooLarge)
		}
		if err := p.parseHeader(string(p.buf[:idx])); err != nil {
			return p.fail(err)
		}
		p.buf = p.buf[idx+len(headerEnd):]
		p.state = StateHeaderParsed
	}

	if len(p.buf) < p.contentLength {
		return Result{}, nil
	}
	// Requests are never pipelined, so surplus bytes mean the stream is
	// out of sync.
	if len(p.buf) > p.contentLength {
		return p.fail(ErrTrailingData)
	}

	body := p.buf[:p.contentLength:p.contentLength]
	p.buf = nil
	p.state = StateBodyParsed

	resp := &Response{
		StatusCode: p.statusCode,
		Header:     p.header,
		Body:       body,
	}
	if err := json.Unmarshal(body, &resp.Value); err != nil {
		return Result{Done: true}, &ParseError{
			StatusCode: p.statusCode,
			Body:       string(body),
			Err:        err,
		}
	}
	return Result{Done: true, Response: resp}, nil
}

func (p *Parser) fail(err error) (Result, error) {
	p.state = StateBodyParsed
	p.buf = nil
	return Result{Done: true}, err
}

// parseHeader parses the status line and header fields.
func (p *Parser) parseHeader(head string) error {
	lines := strings.Split(head, "\r\n")

	proto, rest, ok := strings.Cut(lines[0], " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return fmt.Errorf("%w: status line %q", ErrMalformedHeader, lines[0])
	}
	codeText, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 || code > 999 {
		return fmt.Errorf("%w: status code %q", ErrMalformedHeader, codeText)
	}

	header := make(http.Header, len(lines)-1)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return fmt.Errorf("%w: field %q", ErrMalformedHeader, line)
		}
		header.Add(textproto.CanonicalMIMEHeaderKey(name), strings.TrimSpace(value))
	}

	if te := header.Get("Transfer-Encoding"); te != "" && !strings.EqualFold(te, "identity") {
		return ErrChunkedUnsupported
	}
	cl := header.Get("Content-Length")
	if cl == "" {
		return ErrMissingContentLength
	}
	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: content length %q", ErrMalformedHeader, cl)
	}

	p.statusCode = code
	p.header = header
	p.contentLength = n
	return nil
}
