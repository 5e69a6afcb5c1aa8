package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawResponse builds a Content-Length framed response around body.
func rawResponse(status int, body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 %d OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
		status, len(body), body))
}

func TestParams_Encode(t *testing.T) {
	var p Params
	p.Add("service", "session")
	p.Add("method", "open")
	p.Add("passwd", "a b&c=d")

	assert.Equal(t, "service=session&method=open&passwd=a+b%26c%3Dd", p.Encode())
	assert.Equal(t, "open", p.Get("method"))
	assert.Equal(t, "", p.Get("missing"))
	assert.Equal(t, "", Params(nil).Encode())
}

func TestSerialize(t *testing.T) {
	t.Run("full request", func(t *testing.T) {
		var params Params
		params.Add("service", "session")
		params.Add("method", "isalive")

		data, err := Serialize(&Request{
			Method: "POST",
			Host:   "hiplan.thi.de",
			Path:   "/webservice/index.php",
			Header: map[string]string{
				"X-API-KEY":  "key",
				"User-Agent": "thi-tunnel/1.0",
			},
			Params: params,
		})
		require.NoError(t, err)

		want := "POST /webservice/index.php HTTP/1.1\r\n" +
			"Host: hiplan.thi.de\r\n" +
			"Content-Type: application/x-www-form-urlencoded\r\n" +
			"Content-Length: 30\r\n" +
			"User-Agent: thi-tunnel/1.0\r\n" +
			"X-API-KEY: key\r\n" +
			"\r\n" +
			"service=session&method=isalive"
		assert.Equal(t, want, string(data))
	})

	t.Run("defaults", func(t *testing.T) {
		data, err := Serialize(&Request{Host: "example.org"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "POST / HTTP/1.1\r\n"))
		assert.Contains(t, string(data), "Content-Length: 0\r\n")
	})

	t.Run("reserved headers are not overridden", func(t *testing.T) {
		data, err := Serialize(&Request{
			Host:   "example.org",
			Header: map[string]string{"content-length": "999", "host": "evil"},
		})
		require.NoError(t, err)
		assert.NotContains(t, string(data), "999")
		assert.NotContains(t, string(data), "evil")
	})

	t.Run("missing host", func(t *testing.T) {
		_, err := Serialize(&Request{Path: "/"})
		assert.ErrorIs(t, err, ErrMissingHost)
	})

	t.Run("header injection", func(t *testing.T) {
		_, err := Serialize(&Request{
			Host:   "example.org",
			Header: map[string]string{"User-Agent": "x\r\nEvil: 1"},
		})
		assert.ErrorIs(t, err, ErrInvalidHeader)
	})

	t.Run("request line injection", func(t *testing.T) {
		for _, req := range []*Request{
			{Host: "example.org", Path: "/x HTTP/1.1\r\nEvil: 1\r\n\r\nGET /"},
			{Host: "example.org", Path: "/a b"},
			{Host: "example.org", Method: "PO ST"},
			{Host: "example.org\r\nEvil: 1"},
		} {
			_, err := Serialize(req)
			assert.ErrorIs(t, err, ErrInvalidRequest, "%q %q %q", req.Method, req.Path, req.Host)
		}
	})

	t.Run("readable by net/http", func(t *testing.T) {
		var params Params
		params.Add("username", "max")
		params.Add("passwd", "p@ss word")
		data, err := Serialize(&Request{Host: "hiplan.thi.de", Path: "/x", Params: params})
		require.NoError(t, err)

		req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
		require.NoError(t, err)
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "hiplan.thi.de", req.Host)
		assert.Equal(t, "max", req.PostForm.Get("username"))
		assert.Equal(t, "p@ss word", req.PostForm.Get("passwd"))
	})
}

func TestParserState_String(t *testing.T) {
	assert.Equal(t, "NEED_HEADER", StateNeedHeader.String())
	assert.Equal(t, "HEADER_PARSED", StateHeaderParsed.String())
	assert.Equal(t, "BODY_PARSED", StateBodyParsed.String())
	assert.Equal(t, "UNKNOWN", ParserState(9).String())
}

func TestParser_ThreeChunks(t *testing.T) {
	raw := rawResponse(200, `{"status":0,"data":["token",null,3]}`)
	first := raw[:10]
	second := raw[10 : len(raw)-5]
	third := raw[len(raw)-5:]

	p := NewParser()

	res, err := p.Feed(first)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, StateNeedHeader, p.State())

	res, err = p.Feed(second)
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, StateHeaderParsed, p.State())

	res, err = p.Feed(third)
	require.NoError(t, err)
	require.True(t, res.Done)
	require.NotNil(t, res.Response)
	assert.Equal(t, StateBodyParsed, p.State())
	assert.Equal(t, 200, res.Response.StatusCode)
	assert.Equal(t, "application/json", res.Response.Header.Get("Content-Type"))
	assert.Equal(t, map[string]any{
		"status": float64(0),
		"data":   []any{"token", nil, float64(3)},
	}, res.Response.Value)
}

func TestParser_RoundTrip(t *testing.T) {
	values := []any{
		map[string]any{"status": float64(0), "data": "STATUS_OK"},
		map[string]any{
			"status": float64(0),
			"data": []any{
				map[string]any{"room": "G215", "free": true, "slots": []any{float64(1), float64(2.5)}},
				map[string]any{"nested": map[string]any{"deep": []any{[]any{}, map[string]any{}}}},
			},
		},
		[]any{"ünïcödé", "☃", nil, false},
		"plain string",
		float64(-12.75),
	}

	for i, v := range values {
		t.Run(fmt.Sprintf("value %d", i), func(t *testing.T) {
			body, err := json.Marshal(v)
			require.NoError(t, err)
			raw := rawResponse(200, string(body))

			// Every split point of the response into two chunks.
			for split := 0; split <= len(raw); split++ {
				p := NewParser()
				res, err := p.Feed(raw[:split])
				require.NoError(t, err)
				if !res.Done {
					res, err = p.Feed(raw[split:])
					require.NoError(t, err)
				}
				require.True(t, res.Done, "split %d", split)
				assert.Equal(t, v, res.Response.Value, "split %d", split)
			}

			// One byte at a time.
			p := NewParser()
			var res Result
			for j := range raw {
				res, err = p.Feed(raw[j : j+1])
				require.NoError(t, err)
				if j < len(raw)-1 {
					require.False(t, res.Done)
				}
			}
			require.True(t, res.Done)
			assert.Equal(t, v, res.Response.Value)
		})
	}
}

func TestParser_NotJSON(t *testing.T) {
	p := NewParser()
	res, err := p.Feed(rawResponse(400, "Bad request"))
	assert.True(t, res.Done)
	assert.Nil(t, res.Response)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Bad request", perr.Body)
	assert.Equal(t, 400, perr.StatusCode)
	assert.Equal(t, "response is not valid JSON (Bad request)", perr.Error())

	var syntaxErr *json.SyntaxError
	assert.True(t, errors.As(err, &syntaxErr))
}

func TestParser_EmptyBody(t *testing.T) {
	p := NewParser()
	_, err := p.Feed(rawResponse(204, ""))
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestParser_FramingErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{
			name: "chunked",
			raw:  "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n",
			want: ErrChunkedUnsupported,
		},
		{
			name: "no content length",
			raw:  "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{}",
			want: ErrMissingContentLength,
		},
		{
			name: "bad status line",
			raw:  "SSH-2.0-OpenSSH\r\n\r\n",
			want: ErrMalformedHeader,
		},
		{
			name: "bad status code",
			raw:  "HTTP/1.1 abc OK\r\nContent-Length: 0\r\n\r\n",
			want: ErrMalformedHeader,
		},
		{
			name: "bad field",
			raw:  "HTTP/1.1 200 OK\r\nno colon here\r\n\r\n",
			want: ErrMalformedHeader,
		},
		{
			name: "data after body",
			raw:  "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n{}HTTP/1.1 200 OK\r\n",
			want: ErrTrailingData,
		},
		{
			name: "negative content length",
			raw:  "HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\n",
			want: ErrMalformedHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			res, err := p.Feed([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, res.Done)
			assert.Equal(t, StateBodyParsed, p.State())
		})
	}
}

func TestParser_HeaderTooLarge(t *testing.T) {
	p := NewParser()
	_, err := p.Feed([]byte("HTTP/1.1 200 OK\r\nX-Pad: "))
	require.NoError(t, err)

	_, err = p.Feed(bytes.Repeat([]byte("a"), MaxHeaderSize))
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestParser_FeedAfterDone(t *testing.T) {
	p := NewParser()
	res, err := p.Feed(rawResponse(200, "{}"))
	require.NoError(t, err)
	require.True(t, res.Done)

	_, err = p.Feed([]byte("more"))
	assert.ErrorIs(t, err, ErrParserDone)
}

func TestResponse_Decode(t *testing.T) {
	p := NewParser()
	res, err := p.Feed(rawResponse(200, `{"status":0,"data":"STATUS_OK"}`))
	require.NoError(t, err)

	var env struct {
		Status int    `json:"status"`
		Data   string `json:"data"`
	}
	require.NoError(t, res.Response.Decode(&env))
	assert.Equal(t, 0, env.Status)
	assert.Equal(t, "STATUS_OK", env.Data)
}

func TestSerialize_MatchesServerView(t *testing.T) {
	// The server sees exactly Content-Length body bytes.
	var params Params
	params.Add("k", "v")
	data, err := Serialize(&Request{Host: "h", Params: params})
	require.NoError(t, err)

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	require.NoError(t, err)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "k=v", string(body))
	assert.Equal(t, int64(3), req.ContentLength)
}
