package forward

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/ccproxy/internal/providers"
)

// newForwarder uses the production transport so gzip is left to Attempt.
func newForwarder(_ *httptest.Server) *Forwarder {
	return New(Options{}, nil)
}

func claudeAt(url string) providers.Provider {
	return providers.Provider{Kind: providers.KindClaude, BaseURL: url + "/", APIKey: "sk-upstream", Name: "test"}
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// ---------------------------------------------------------------------------
// Request shaping
// ---------------------------------------------------------------------------

func TestAttempt_RequestShape(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	in := http.Header{}
	in.Set("Authorization", "Bearer client-token")
	in.Set("Connection", "keep-alive")
	in.Set("Keep-Alive", "timeout=5")
	in.Set("Proxy-Connection", "keep-alive")
	in.Set("Upgrade", "h2c")
	in.Set("Te", "trailers")
	in.Set("Trailers", "X-Foo")
	in.Set("Content-Length", "999")
	in.Set("Anthropic-Version", "2023-06-01")
	in.Set("X-Bad", "line\nbreak")

	body := []byte(`{"model":"claude-sonnet","stream":false}`)
	ctx := WithRequestID(context.Background(), "req-123")
	resp, err := newForwarder(ts).Attempt(ctx, claudeAt(ts.URL), body, in)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/v1/messages", got.URL.Path, "trailing slash on base url is trimmed")
	assert.Equal(t, body, gotBody)
	assert.Equal(t, "Bearer sk-upstream", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.Equal(t, "2023-06-01", got.Header.Get("Anthropic-Version"))
	assert.Equal(t, "req-123", got.Header.Get("X-Request-ID"))
	assert.Equal(t, int64(len(body)), got.ContentLength, "content length recomputed from body")
	for _, h := range []string{"Keep-Alive", "Proxy-Connection", "Upgrade", "Te", "Trailers", "X-Bad"} {
		assert.Empty(t, got.Header.Get(h), "%s must not be forwarded", h)
	}
}

func TestAttempt_KeepsClientAccept(t *testing.T) {
	var accept string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer ts.Close()

	in := http.Header{"Accept": {"text/event-stream"}}
	resp, err := newForwarder(ts).Attempt(context.Background(), claudeAt(ts.URL), []byte(`{}`), in)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "text/event-stream", accept)
}

func TestAttempt_CodexPath(t *testing.T) {
	var path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
	}))
	defer ts.Close()

	p := providers.Provider{Kind: providers.KindCodex, BaseURL: ts.URL + "/openai", APIKey: "k"}
	resp, err := newForwarder(ts).Attempt(context.Background(), p, []byte(`{}`), http.Header{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "/openai/responses", path)
}

// ---------------------------------------------------------------------------
// Response validation
// ---------------------------------------------------------------------------

func TestAttempt_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		reason  string
		message string
	}{
		{
			name: "error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			reason:  ReasonStatus,
			message: "provider returned error status: 503",
		},
		{
			name: "waf block",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Tengine-Error", "denied by rule")
				w.Header().Set("Content-Type", "application/json")
			},
			reason:  ReasonWAF,
			message: "provider blocked by WAF: denied by rule",
		},
		{
			name: "waf block with empty value",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header()["X-Tengine-Error"] = []string{""}
				w.Header().Set("Content-Type", "application/json")
			},
			reason:  ReasonWAF,
			message: "provider blocked by WAF",
		},
		{
			name: "html body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				_, _ = w.Write([]byte("<html>nope</html>"))
			},
			reason:  ReasonContentType,
			message: "provider returned non-JSON content-type: text/html; charset=utf-8",
		},
		{
			name: "bad gzip",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Content-Encoding", "gzip")
				_, _ = w.Write([]byte("definitely not gzip"))
			},
			reason: ReasonBadEncoding,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(tc.handler)
			defer ts.Close()

			resp, err := newForwarder(ts).Attempt(context.Background(), claudeAt(ts.URL), []byte(`{}`), http.Header{})
			require.Error(t, err)
			assert.Nil(t, resp)

			var ae *AttemptError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tc.reason, ae.Reason)
			assert.Equal(t, "test ("+ts.URL+"/)", ae.Provider)
			if tc.message != "" {
				assert.Equal(t, tc.message, err.Error())
			}
		})
	}
}

func TestAttempt_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewWithClient(http.DefaultClient, nil).Attempt(context.Background(), claudeAt(url), []byte(`{}`), http.Header{})
	var ae *AttemptError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ReasonTransport, ae.Reason)
}

func TestAttempt_MissingContentTypeAccepted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	resp, err := newForwarder(ts).Attempt(context.Background(), claudeAt(ts.URL), []byte(`{}`), http.Header{})
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(b))
}

// ---------------------------------------------------------------------------
// Response shaping
// ---------------------------------------------------------------------------

func TestAttempt_DecodesGzip(t *testing.T) {
	payload := `{"id":"msg_1","content":[{"type":"text","text":"hello"}]}`
	compressed := gzipBytes(t, payload)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("X-Upstream", "yes")
		_, _ = w.Write(compressed)
	}))
	defer ts.Close()

	resp, err := newForwarder(ts).Attempt(context.Background(), claudeAt(ts.URL), []byte(`{}`), http.Header{})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, string(b))
}

func TestAttempt_PassesThroughOtherEncodings(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte("raw"))
	}))
	defer ts.Close()

	resp, err := newForwarder(ts).Attempt(context.Background(), claudeAt(ts.URL), []byte(`{}`), http.Header{})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
}

func TestResponseHeaders_DropsHopByHop(t *testing.T) {
	in := http.Header{
		"Connection":        {"close"},
		"Proxy-Connection":  {"close"},
		"Keep-Alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"websocket"},
		"Te":                {"trailers"},
		"Trailers":          {"X-Foo"},
		"Content-Length":    {"42"},
		"Content-Type":      {"text/event-stream"},
		"X-Request-Id":      {"abc"},
	}
	out := responseHeaders(in)
	assert.Equal(t, http.Header{
		"Content-Type": {"text/event-stream"},
		"X-Request-Id": {"abc"},
	}, out)
}

func TestAttemptError_Unwrap(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := &AttemptError{Provider: "p", Reason: ReasonTransport, Err: base}
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "request to provider failed: dial tcp: refused", err.Error())
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.Equal(t, "abc", RequestID(WithRequestID(context.Background(), "abc")))
}
