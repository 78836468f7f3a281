package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/ccproxy/internal/forward"
	"github.com/jordanhubbard/ccproxy/internal/providers"
	"github.com/jordanhubbard/ccproxy/internal/router"
)

const copyBufSize = 32 << 10

// ProxyHandler routes one inbound request of the given kind and streams the
// chosen provider's response back. Routing failures are answered with 502 and
// a JSON error; no upstream error body is ever relayed.
func ProxyHandler(d Dependencies, kind providers.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.maxBody()))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			jsonError(w, "failed to read request body", http.StatusRequestEntityTooLarge)
			return
		}

		reqID := middleware.GetReqID(r.Context())
		ctx := forward.WithRequestID(r.Context(), reqID)

		res, err := d.Engine.Route(ctx, router.Request{
			Kind:   kind,
			Body:   body,
			Header: r.Header,
		})
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer res.Response.Body.Close()

		for name, values := range res.Response.Header {
			w.Header()[name] = values
		}
		w.WriteHeader(res.Response.StatusCode)

		n, err := stream(w, res.Response.Body)
		if err != nil {
			d.logger().Warn("response stream ended early",
				slog.String("request_id", reqID),
				slog.String("provider", res.Provider.Label()),
				slog.Int64("bytes", n),
				slog.String("error", err.Error()),
			)
		}
	}
}

// stream copies src to w, flushing after every chunk so server-sent events
// reach the client as they arrive. A write failure means the client went
// away and is not reported.
func stream(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, nil
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
