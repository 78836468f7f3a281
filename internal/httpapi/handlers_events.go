package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/ccproxy/internal/events"
)

// sseKeepAlive is the interval between comment lines that keep idle
// connections open through intermediaries.
var sseKeepAlive = 15 * time.Second

// SSEHandler streams routing events using Server-Sent Events. An optional
// ?types=a,b query limits the stream to those event types.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		var types []events.EventType
		if q := r.URL.Query().Get("types"); q != "" {
			for _, t := range strings.Split(q, ",") {
				if t = strings.TrimSpace(t); t != "" {
					types = append(types, events.EventType(t))
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64, types...)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ping := time.NewTicker(sseKeepAlive)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ping.C:
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case e := <-sub.C:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}
