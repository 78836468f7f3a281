// Package forward performs a single upstream attempt: it relays the inbound
// body and headers to one provider, validates the response, and hands back a
// streaming body with any gzip encoding undone.
package forward

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http/httpguts"

	"github.com/jordanhubbard/ccproxy/internal/providers"
)

// hopByHop headers apply to a single connection and are never relayed.
var hopByHop = map[string]bool{
	"Connection":        true,
	"Proxy-Connection":  true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Te":                true,
	"Trailers":          true,
}

// wafHeader is set by Tengine-fronted relays that reject a request with a
// 200 and an HTML block page.
const wafHeader = "X-Tengine-Error"

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID tags ctx with the inbound request id so Attempt can forward
// it upstream as X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Response is a validated upstream response. Body must be closed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Options configures the upstream HTTP client.
type Options struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	// Wrap decorates the base transport, e.g. with tracing.
	Wrap func(http.RoundTripper) http.RoundTripper
}

// Forwarder sends attempts through a shared HTTP client.
type Forwarder struct {
	client *http.Client
	logger *slog.Logger
}

// New builds a Forwarder whose transport leaves gzip handling to Attempt.
// There is no overall client timeout: streaming responses may run for
// minutes, so only dialing and waiting for headers are bounded.
func New(opts Options, logger *slog.Logger) *Forwarder {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = 300 * time.Second
	}
	var rt http.RoundTripper = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		DisableCompression:    true,
	}
	if opts.Wrap != nil {
		rt = opts.Wrap(rt)
	}
	return NewWithClient(&http.Client{Transport: rt}, logger)
}

// NewWithClient builds a Forwarder around an existing client.
func NewWithClient(client *http.Client, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{client: client, logger: logger}
}

// Attempt forwards body to p and validates the response. Any failure is an
// *AttemptError and leaves no open body behind.
func (f *Forwarder) Attempt(ctx context.Context, p providers.Provider, body []byte, inbound http.Header) (*Response, error) {
	url := strings.TrimRight(p.BaseURL, "/") + p.Kind.Path()

	// The span outlives this call on success and ends when the body is closed.
	ctx, span := otel.Tracer("ccproxy.forward").Start(ctx, "provider.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.url", url),
			attribute.String("ccproxy.kind", string(p.Kind)),
			attribute.String("ccproxy.provider", p.Label()),
		),
	)
	fail := func(ae *AttemptError) (*Response, error) {
		ae.Provider = p.Label()
		span.RecordError(ae)
		span.SetStatus(codes.Error, ae.Reason)
		span.End()
		return nil, ae
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fail(&AttemptError{Reason: ReasonBuildRequest, Err: err})
	}
	req.Header = outboundHeaders(inbound, p.APIKey)
	if id := RequestID(ctx); id != "" && req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		return fail(&AttemptError{Reason: ReasonTransport, Err: err})
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if ae := validate(resp); ae != nil {
		drain(resp.Body)
		return fail(ae)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     responseHeaders(resp.Header),
		Body:       resp.Body,
	}
	if isGzip(resp.Header) {
		zr, err := gzip.NewReader(resp.Body)
		switch {
		case errors.Is(err, io.EOF):
			// Empty gzip body: nothing to decode.
			out.Body = resp.Body
		case err != nil:
			drain(resp.Body)
			return fail(&AttemptError{Reason: ReasonBadEncoding, Err: err})
		default:
			out.Body = &gzipBody{Reader: zr, raw: resp.Body}
		}
	}

	span.SetStatus(codes.Ok, "")
	out.Body = &spanCloser{ReadCloser: out.Body, span: span}
	return out, nil
}

// validate applies the success checks in order: status, WAF marker, content type.
func validate(resp *http.Response) *AttemptError {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &AttemptError{Reason: ReasonStatus, StatusCode: resp.StatusCode}
	}
	if vs, ok := resp.Header[wafHeader]; ok {
		return &AttemptError{Reason: ReasonWAF, Detail: strings.Join(vs, ",")}
	}
	if _, present := resp.Header["Content-Type"]; present {
		ct := resp.Header.Get("Content-Type")
		if !strings.Contains(ct, "application/json") && !strings.Contains(ct, "text/event-stream") {
			return &AttemptError{Reason: ReasonContentType, Detail: ct}
		}
	}
	return nil
}

// outboundHeaders copies the inbound headers minus host, credentials,
// hop-by-hop headers, Content-Length and anything not a valid HTTP field,
// then sets the provider credential and a default Accept.
func outboundHeaders(in http.Header, apiKey string) http.Header {
	out := make(http.Header, len(in)+2)
	for name, values := range in {
		canon := textproto.CanonicalMIMEHeaderKey(name)
		if canon == "Host" || canon == "Authorization" || canon == "Content-Length" || hopByHop[canon] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		for _, v := range values {
			if httpguts.ValidHeaderFieldValue(v) {
				out.Add(canon, v)
			}
		}
	}
	out.Set("Authorization", "Bearer "+apiKey)
	if out.Get("Accept") == "" {
		out.Set("Accept", "application/json")
	}
	return out
}

// responseHeaders copies upstream headers for the caller, dropping
// hop-by-hop headers, Content-Length, and a gzip Content-Encoding that
// Attempt is about to undo.
func responseHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if name == "Content-Length" || hopByHop[name] {
			continue
		}
		if name == "Content-Encoding" && isGzip(in) {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

func isGzip(h http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Content-Encoding")), "gzip")
}

// drain discards a bounded amount of a rejected body so the connection can be
// reused, then closes it.
func drain(rc io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, rc, 64<<10)
	_ = rc.Close()
}

// gzipBody decodes on the fly and closes both the decoder and the raw body.
type gzipBody struct {
	*gzip.Reader
	raw io.ReadCloser
}

func (g *gzipBody) Close() error {
	zerr := g.Reader.Close()
	if err := g.raw.Close(); err != nil {
		return err
	}
	return zerr
}

// spanCloser wraps an io.ReadCloser and ends the associated span on Close.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
