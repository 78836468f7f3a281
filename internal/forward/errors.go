package forward

import "fmt"

// Failure reasons reported by Attempt.
const (
	ReasonTransport      = "request to provider failed"
	ReasonStatus         = "provider returned error status"
	ReasonWAF            = "provider blocked by WAF"
	ReasonContentType    = "provider returned non-JSON content-type"
	ReasonBadEncoding    = "provider returned invalid gzip body"
	ReasonBuildRequest   = "failed to build upstream request"
	ReasonInvalidBaseURL = "invalid provider url"
)

// AttemptError describes why one provider attempt failed. It never reaches
// the caller directly; the router logs it and moves on.
type AttemptError struct {
	Provider   string
	Reason     string
	StatusCode int
	Detail     string
	Err        error
}

func (e *AttemptError) Error() string {
	msg := e.Reason
	switch {
	case e.StatusCode != 0:
		msg = fmt.Sprintf("%s: %d", msg, e.StatusCode)
	case e.Detail != "":
		msg = msg + ": " + e.Detail
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AttemptError) Unwrap() error { return e.Err }
