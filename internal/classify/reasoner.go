package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/redwing-381/projectx/internal/llm"
	"go.uber.org/zap"
)

const (
	ModeDirect       = "direct"
	ModeOrchestrated = "orchestrated"
	modeUnavailable  = "unavailable"
)

// Reasoner produces a verdict for messages that no fast-path rule matched.
type Reasoner interface {
	Name() string
	Reason(ctx context.Context, message Message) (Classification, error)
}

// Completer issues a JSON-only completion. *llm.Client satisfies it.
type Completer interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Prober verifies a backend is usable before it is relied upon.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

type verdictPayload struct {
	Urgency string `json:"urgency"`
	Reason  string `json:"reason"`
}

var verdictObjectPattern = regexp.MustCompile(`\{[^{}]*"urgency"[^{}]*\}`)

func parseVerdict(content string) (Classification, error) {
	var payload verdictPayload
	if err := llm.DecodeJSON(content, &payload); err != nil {
		match := verdictObjectPattern.FindString(content)
		if match == "" {
			return Classification{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if err := llm.DecodeJSON(match, &payload); err != nil {
			return Classification{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	urgency, ok := ParseUrgency(payload.Urgency)
	if !ok {
		return Classification{}, fmt.Errorf("%w: %q", ErrInvalidUrgency, payload.Urgency)
	}
	reason := strings.TrimSpace(payload.Reason)
	if reason == "" {
		reason = "LLM classification"
	}
	return Classification{Urgency: urgency, Reason: reason}, nil
}

// DirectReasoner asks the model for a verdict in a single call.
type DirectReasoner struct {
	completer Completer
}

// NewDirectReasoner constructs a single-call reasoner.
func NewDirectReasoner(completer Completer) (*DirectReasoner, error) {
	if completer == nil {
		return nil, ErrBackendUnavailable
	}
	return &DirectReasoner{completer: completer}, nil
}

func (r *DirectReasoner) Name() string {
	return ModeDirect
}

func (r *DirectReasoner) Reason(ctx context.Context, message Message) (Classification, error) {
	content, err := r.completer.CompleteJSON(ctx, classifierSystemPrompt, buildClassificationPrompt(message))
	if err != nil {
		return Classification{}, err
	}
	return parseVerdict(content)
}

type triageReport struct {
	Summary       string   `json:"summary"`
	UrgentSignals []string `json:"urgent_signals"`
	CalmSignals   []string `json:"calm_signals"`
}

// OrchestratedReasoner runs a triage stage that summarizes the message and a
// verdict stage that decides on the summary.
type OrchestratedReasoner struct {
	completer Completer
}

// NewOrchestratedReasoner constructs the two-stage reasoner. When a prober is
// supplied it must succeed before the reasoner is returned.
func NewOrchestratedReasoner(ctx context.Context, completer Completer, prober Prober) (*OrchestratedReasoner, error) {
	if completer == nil {
		return nil, ErrBackendUnavailable
	}
	if prober != nil {
		if err := prober.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("orchestrated reasoner probe: %w", err)
		}
	}
	return &OrchestratedReasoner{completer: completer}, nil
}

func (r *OrchestratedReasoner) Name() string {
	return ModeOrchestrated
}

func (r *OrchestratedReasoner) Reason(ctx context.Context, message Message) (Classification, error) {
	content, err := r.completer.CompleteJSON(ctx, triageSystemPrompt, buildTriagePrompt(message))
	if err != nil {
		return Classification{}, fmt.Errorf("triage stage: %w", err)
	}
	var report triageReport
	if err := llm.DecodeJSON(content, &report); err != nil {
		return Classification{}, fmt.Errorf("%w: triage stage: %v", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(report.Summary) == "" {
		report.Summary = strings.TrimSpace(message.Text)
	}

	content, err = r.completer.CompleteJSON(ctx, verdictSystemPrompt, buildVerdictPrompt(message, report))
	if err != nil {
		return Classification{}, fmt.Errorf("verdict stage: %w", err)
	}
	return parseVerdict(content)
}

type unavailableReasoner struct{}

func (unavailableReasoner) Name() string {
	return modeUnavailable
}

func (unavailableReasoner) Reason(context.Context, Message) (Classification, error) {
	return Classification{}, ErrBackendUnavailable
}

// ReasonerConfig selects and builds a reasoner.
type ReasonerConfig struct {
	Mode      string
	Completer Completer
	Prober    Prober
	Logger    *zap.Logger
}

// NewReasoner builds the configured reasoner. An orchestrated reasoner that
// fails to initialise is replaced by the direct reasoner, and a missing
// completer yields a reasoner whose every call takes the fallback path.
func NewReasoner(ctx context.Context, cfg ReasonerConfig) Reasoner {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Completer == nil {
		logger.Warn("no llm backend configured; unmatched messages default to NOT_URGENT")
		return unavailableReasoner{}
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Mode), ModeOrchestrated) {
		orchestrated, err := NewOrchestratedReasoner(ctx, cfg.Completer, cfg.Prober)
		if err == nil {
			return orchestrated
		}
		logger.Warn("orchestrated reasoner unavailable, using direct reasoner", zap.Error(err))
	}

	direct, err := NewDirectReasoner(cfg.Completer)
	if err != nil {
		logger.Warn("direct reasoner unavailable", zap.Error(err))
		return unavailableReasoner{}
	}
	return direct
}

// IsUnavailable reports whether the reasoner can never reach a backend.
func IsUnavailable(reasoner Reasoner) bool {
	return reasoner == nil || reasoner.Name() == modeUnavailable
}
