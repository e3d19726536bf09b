package classify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultReasonerTimeout = 20 * time.Second
	defaultRefreshInterval = time.Minute
	refreshFlightKey       = "rules"
)

var errMissingReasoner = errors.New("classify: reasoner is required")

// RuleSource loads the configured VIP senders and urgent keywords.
type RuleSource interface {
	VIPSenders(ctx context.Context) ([]string, error)
	Keywords(ctx context.Context) ([]string, error)
}

// EngineConfig describes the dependencies of the classification engine.
type EngineConfig struct {
	Rules           RuleSource
	Reasoner        Reasoner
	Timeout         time.Duration
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// Engine classifies messages with the VIP, keyword, reasoner cascade.
type Engine struct {
	rules           RuleSource
	reasoner        Reasoner
	timeout         time.Duration
	refreshInterval time.Duration
	logger          *zap.Logger

	snapshot atomic.Pointer[RuleSet]
	flight   singleflight.Group
}

// NewEngine constructs an engine. A nil rule source disables the fast paths.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Reasoner == nil {
		return nil, errMissingReasoner
	}
	engine := &Engine{
		rules:           cfg.Rules,
		reasoner:        cfg.Reasoner,
		timeout:         cfg.Timeout,
		refreshInterval: cfg.RefreshInterval,
		logger:          cfg.Logger,
	}
	if engine.timeout <= 0 {
		engine.timeout = defaultReasonerTimeout
	}
	if engine.refreshInterval <= 0 {
		engine.refreshInterval = defaultRefreshInterval
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	return engine, nil
}

// ReasonerName reports which reasoner the engine ended up with.
func (e *Engine) ReasonerName() string {
	return e.reasoner.Name()
}

// Classify never fails: any reasoner error yields NOT_URGENT with a categorized reason.
func (e *Engine) Classify(ctx context.Context, message Message) Classification {
	rules := e.currentRules(ctx)

	if rule, ok := rules.MatchVIP(message.Sender); ok {
		return Classification{Urgency: Urgent, Reason: "VIP sender: " + rule}
	}
	if keyword, ok := rules.MatchKeyword(message.Text); ok {
		return Classification{Urgency: Urgent, Reason: "Contains urgent keyword: " + keyword}
	}

	reasonCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	verdict, err := e.reasoner.Reason(reasonCtx, message)
	if err == nil {
		urgency, ok := ParseUrgency(string(verdict.Urgency))
		if !ok {
			err = fmt.Errorf("%w: %q", ErrInvalidUrgency, verdict.Urgency)
		}
		verdict.Urgency = urgency
	}
	if err != nil {
		if errors.Is(reasonCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		fallback := fallbackClassification(err)
		e.logger.Warn("classification fell back to NOT_URGENT",
			zap.String("reasoner", e.reasoner.Name()),
			zap.String("reason", fallback.Reason),
			zap.Error(err))
		return fallback
	}
	if verdict.Reason == "" {
		verdict.Reason = "LLM classification"
	}
	return verdict
}

func (e *Engine) currentRules(ctx context.Context) *RuleSet {
	if rules := e.snapshot.Load(); rules != nil {
		return rules
	}
	if err := e.Refresh(ctx); err != nil {
		e.logger.Warn("rule refresh failed; continuing without fast-path rules", zap.Error(err))
	}
	return e.snapshot.Load()
}

// Refresh reloads the rule snapshot. Concurrent calls share one load, and a
// failed load keeps the previous snapshot.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.rules == nil {
		e.snapshot.CompareAndSwap(nil, NewRuleSet(nil, nil))
		return nil
	}
	_, err, _ := e.flight.Do(refreshFlightKey, func() (any, error) {
		vips, err := e.rules.VIPSenders(ctx)
		if err != nil {
			return nil, fmt.Errorf("load vip senders: %w", err)
		}
		keywords, err := e.rules.Keywords(ctx)
		if err != nil {
			return nil, fmt.Errorf("load keywords: %w", err)
		}
		rules := NewRuleSet(vips, keywords)
		e.snapshot.Store(rules)
		vipKeys, keywordCount := rules.Size()
		e.logger.Debug("classification rules refreshed", zap.Int("vip_keys", vipKeys), zap.Int("keywords", keywordCount))
		return nil, nil
	})
	return err
}

// Run refreshes the rule snapshot on an interval until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		e.logger.Warn("initial rule refresh failed", zap.Error(err))
	}
	ticker := time.NewTicker(e.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				e.logger.Warn("rule refresh failed; keeping previous rules", zap.Error(err))
			}
		}
	}
}
