package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jordanhubbard/ccproxy/internal/forward"
	"github.com/jordanhubbard/ccproxy/internal/providers"
)

// UnknownModel is used when the body has no string "model" field.
const UnknownModel = "unknown"

var (
	// ErrInvalidBody is returned when the request body is not valid JSON.
	// It is an input error and no provider is contacted.
	ErrInvalidBody = errors.New("failed to parse request body as JSON")
	// ErrNoProviders is returned when the registry has nothing for the kind.
	ErrNoProviders = errors.New("no providers available")
)

// ExhaustedError is returned when every candidate failed.
type ExhaustedError struct {
	Tried int
	Model string
	// Last is the final attempt's error, kept for logs.
	Last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d providers failed for model: %s", e.Tried, e.Model)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Request is one inbound proxy call.
type Request struct {
	Kind   providers.Kind
	Body   []byte
	Header http.Header
}

// Result is the successful outcome of Route. Response.Body must be closed.
type Result struct {
	Response    *forward.Response
	Provider    providers.Provider
	Model       string
	AffinityKey string
	Sticky      bool
	Attempts    int
}

// ProviderSource supplies the ordered candidates for a kind.
type ProviderSource interface {
	Snapshot(kind providers.Kind) []providers.Provider
}

// Attempter performs one upstream attempt.
type Attempter interface {
	Attempt(ctx context.Context, p providers.Provider, body []byte, inbound http.Header) (*forward.Response, error)
}
