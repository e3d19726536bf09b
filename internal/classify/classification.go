package classify

import (
	"context"
	"errors"
	"net/http"

	"github.com/redwing-381/projectx/internal/llm"
)

// Urgency is the binary verdict assigned to every message.
type Urgency string

const (
	Urgent    Urgency = "URGENT"
	NotUrgent Urgency = "NOT_URGENT"
)

// ParseUrgency accepts exactly URGENT or NOT_URGENT. Any other spelling,
// including a lowercase one, is rejected.
func ParseUrgency(value string) (Urgency, bool) {
	switch Urgency(value) {
	case Urgent:
		return Urgent, true
	case NotUrgent:
		return NotUrgent, true
	default:
		return "", false
	}
}

// Message is the classifier input.
type Message struct {
	SourceApp string
	Sender    string
	Subject   string
	Text      string
}

// Classification is the classifier output. Reason is never empty.
type Classification struct {
	Urgency Urgency
	Reason  string
}

// IsUrgent reports whether the verdict requires an alert.
func (c Classification) IsUrgent() bool {
	return c.Urgency == Urgent
}

var (
	ErrMalformedResponse  = errors.New("classify: malformed response")
	ErrInvalidUrgency     = errors.New("classify: invalid urgency")
	ErrBackendUnavailable = errors.New("classify: backend unavailable")
)

const (
	failureTimeout     = "timeout"
	failureMalformed   = "malformed response"
	failureInvalid     = "invalid urgency"
	failureRateLimited = "rate limited"
	failureUnavailable = "backend unavailable"
	failureBackend     = "backend error"
)

// failureCategory maps a reasoner error onto a short category for the fallback reason.
func failureCategory(err error) string {
	var statusErr *llm.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failureTimeout
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, llm.ErrEmptyCompletion):
		return failureMalformed
	case errors.Is(err, ErrInvalidUrgency):
		return failureInvalid
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, llm.ErrMissingAPIKey):
		return failureUnavailable
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests:
		return failureRateLimited
	default:
		return failureBackend
	}
}

func fallbackClassification(err error) Classification {
	return Classification{
		Urgency: NotUrgent,
		Reason:  "classification failed: " + failureCategory(err),
	}
}
