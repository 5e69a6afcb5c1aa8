// Package codec serializes form-encoded HTTP/1.1 requests and incrementally
// parses fixed-length JSON responses.
//
// Only what the backend speaks is supported: POST (or any method) with an
// application/x-www-form-urlencoded body, and responses framed by
// Content-Length whose body is a JSON document. Chunked transfer encoding,
// compression and redirects are not handled.
package codec

import (
	"bytes"
	"errors"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ContentType is the fixed request content type.
const ContentType = "application/x-www-form-urlencoded"

// Serialization errors.
var (
	ErrMissingHost    = errors.New("codec: request has no host")
	ErrInvalidHeader  = errors.New("codec: invalid header")
	ErrInvalidRequest = errors.New("codec: invalid request line")
)

// Param is a single form field.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of form fields. Encode keeps insertion order so
// request bodies are stable.
type Params []Param

// Add appends a field.
func (p *Params) Add(key, value string) {
	*p = append(*p, Param{Key: key, Value: value})
}

// Get returns the first value for key, or "".
func (p Params) Get(key string) string {
	for _, f := range p {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// Encode returns the fields as key=value pairs joined by '&'.
func (p Params) Encode() string {
	var sb strings.Builder
	for i, f := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(f.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(f.Value))
	}
	return sb.String()
}

// Request is an abstract HTTP request.
type Request struct {
	// Method defaults to POST.
	Method string

	// Host is sent in the Host header and is required.
	Host string

	// Path defaults to "/".
	Path string

	// Header holds extra headers such as User-Agent or X-API-KEY.
	// Host, Content-Type and Content-Length are always set by Serialize.
	Header map[string]string

	// Params is the form body.
	Params Params
}

// reserved headers are written by Serialize and never taken from Header.
var reserved = map[string]bool{
	"Host":           true,
	"Content-Type":   true,
	"Content-Length": true,
}

// Serialize encodes req as an HTTP/1.1 request head followed by the
// url-encoded body.
func Serialize(req *Request) ([]byte, error) {
	if req.Host == "" {
		return nil, ErrMissingHost
	}
	method := req.Method
	if method == "" {
		method = "POST"
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	if !validToken(method) || !validToken(path) || strings.ContainsAny(req.Host, "\r\n ") {
		return nil, ErrInvalidRequest
	}
	body := req.Params.Encode()

	var buf bytes.Buffer
	buf.WriteString(method + " " + path + " HTTP/1.1\r\n")
	writeHeader(&buf, "Host", req.Host)
	writeHeader(&buf, "Content-Type", ContentType)
	writeHeader(&buf, "Content-Length", strconv.Itoa(len(body)))

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if reserved[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		v := req.Header[k]
		if strings.ContainsAny(k, "\r\n: ") || strings.ContainsAny(v, "\r\n") {
			return nil, ErrInvalidHeader
		}
		writeHeader(&buf, k, v)
	}
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// validToken reports whether s fits in the request line: no whitespace or
// control characters.
func validToken(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] == 0x7f {
			return false
		}
	}
	return true
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}
