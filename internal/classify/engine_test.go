package classify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redwing-381/projectx/internal/llm"
	"github.com/stretchr/testify/require"
)

type staticRules struct {
	vips     []string
	keywords []string
	err      error
	loads    atomic.Int32
}

func (s *staticRules) VIPSenders(context.Context) ([]string, error) {
	s.loads.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.vips, nil
}

func (s *staticRules) Keywords(context.Context) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.keywords, nil
}

type countingReasoner struct {
	calls   atomic.Int32
	verdict Classification
	err     error
	block   bool
}

func (r *countingReasoner) Name() string { return "counting" }

func (r *countingReasoner) Reason(ctx context.Context, _ Message) (Classification, error) {
	r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		return Classification{}, ctx.Err()
	}
	return r.verdict, r.err
}

func newTestEngine(t *testing.T, rules RuleSource, reasoner Reasoner) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{Rules: rules, Reasoner: reasoner, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	return engine
}

func TestClassifyVIPTakesPrecedence(t *testing.T) {
	reasoner := &countingReasoner{verdict: Classification{Urgency: NotUrgent, Reason: "chatter"}}
	engine := newTestEngine(t, &staticRules{vips: []string{"Mom", "@corp.com", "@ceo_handle"}, keywords: []string{"urgent"}}, reasoner)

	testCases := []struct {
		name   string
		sender string
		rule   string
	}{
		{name: "exact name", sender: "mom", rule: "mom"},
		{name: "domain", sender: "Alice <alice@corp.com>", rule: "@corp.com"},
		{name: "parent domain", sender: "bob@mail.corp.com", rule: "@corp.com"},
		{name: "chat handle without at", sender: "ceo_handle", rule: "@ceo_handle"},
		{name: "chat handle with at", sender: "@CEO_handle", rule: "@ceo_handle"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result := engine.Classify(context.Background(), Message{SourceApp: "WhatsApp", Sender: testCase.sender, Text: "hi"})
			require.Equal(t, Urgent, result.Urgency)
			require.Equal(t, "VIP sender: "+testCase.rule, result.Reason)
		})
	}
	require.Zero(t, reasoner.calls.Load(), "reasoner must not be consulted for VIP matches")
}

func TestClassifyKeywordBeforeReasoner(t *testing.T) {
	reasoner := &countingReasoner{verdict: Classification{Urgency: NotUrgent, Reason: "chatter"}}
	engine := newTestEngine(t, &staticRules{keywords: []string{"Urgent", "ASAP"}}, reasoner)

	result := engine.Classify(context.Background(), Message{SourceApp: "WhatsApp", Sender: "Mom", Text: "urgent call me"})
	require.Equal(t, Classification{Urgency: Urgent, Reason: "Contains urgent keyword: urgent"}, result)
	require.Zero(t, reasoner.calls.Load())
}

func TestClassifyKeywordIgnoresAppAndSubject(t *testing.T) {
	reasoner := &countingReasoner{verdict: Classification{Urgency: NotUrgent, Reason: "casual"}}
	engine := newTestEngine(t, &staticRules{keywords: []string{"whatsapp", "notification"}}, reasoner)

	result := engine.Classify(context.Background(), Message{
		SourceApp: "WhatsApp",
		Sender:    "Friend",
		Subject:   "WhatsApp notification",
		Text:      "lol see you later",
	})
	require.Equal(t, Classification{Urgency: NotUrgent, Reason: "casual"}, result)
	require.EqualValues(t, 1, reasoner.calls.Load())
}

func TestClassifyDoesNotMatchUnrelatedDomains(t *testing.T) {
	reasoner := &countingReasoner{verdict: Classification{Urgency: NotUrgent, Reason: "newsletter"}}
	engine := newTestEngine(t, &staticRules{vips: []string{"@corp.com"}}, reasoner)

	result := engine.Classify(context.Background(), Message{Sender: "news@notcorp.com", Text: "weekly digest"})
	require.Equal(t, NotUrgent, result.Urgency)
	require.Equal(t, "newsletter", result.Reason)
	require.EqualValues(t, 1, reasoner.calls.Load())
}

func TestClassifyFallsBackOnReasonerFailures(t *testing.T) {
	testCases := []struct {
		name     string
		reasoner *countingReasoner
		reason   string
	}{
		{name: "timeout", reasoner: &countingReasoner{block: true}, reason: "classification failed: timeout"},
		{name: "malformed", reasoner: &countingReasoner{err: ErrMalformedResponse}, reason: "classification failed: malformed response"},
		{name: "empty completion", reasoner: &countingReasoner{err: llm.ErrEmptyCompletion}, reason: "classification failed: malformed response"},
		{name: "rate limited", reasoner: &countingReasoner{err: &llm.StatusError{StatusCode: http.StatusTooManyRequests}}, reason: "classification failed: rate limited"},
		{name: "unavailable", reasoner: &countingReasoner{err: ErrBackendUnavailable}, reason: "classification failed: backend unavailable"},
		{name: "generic", reasoner: &countingReasoner{err: errors.New("boom")}, reason: "classification failed: backend error"},
		{name: "invalid verdict", reasoner: &countingReasoner{verdict: Classification{Urgency: "MAYBE", Reason: "?"}}, reason: "classification failed: invalid urgency"},
		{name: "lowercase verdict", reasoner: &countingReasoner{verdict: Classification{Urgency: "urgent", Reason: "x"}}, reason: "classification failed: invalid urgency"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			engine := newTestEngine(t, &staticRules{}, testCase.reasoner)
			result := engine.Classify(context.Background(), Message{Sender: "someone", Text: "hello"})
			require.Equal(t, NotUrgent, result.Urgency)
			require.Equal(t, testCase.reason, result.Reason)
		})
	}
}

func TestClassifyIsTotalForArbitraryInput(t *testing.T) {
	engine := newTestEngine(t, &staticRules{vips: []string{"boss"}, keywords: []string{"fire"}}, unavailableReasoner{})

	inputs := []Message{
		{},
		{Sender: "<>", Text: "\x00\x01"},
		{Sender: "@", Text: strings.Repeat("é", 4000)},
		{Sender: "a@b", Subject: "FIRE drill", Text: ""},
	}
	for _, input := range inputs {
		result := engine.Classify(context.Background(), input)
		_, ok := ParseUrgency(string(result.Urgency))
		require.True(t, ok, "urgency must be one of the two values")
		require.NotEmpty(t, result.Reason)
	}
}

func TestRefreshKeepsStaleRulesOnError(t *testing.T) {
	rules := &staticRules{vips: []string{"mom"}}
	engine := newTestEngine(t, rules, &countingReasoner{verdict: Classification{Urgency: NotUrgent, Reason: "x"}})
	require.NoError(t, engine.Refresh(context.Background()))

	rules.err = errors.New("database locked")
	require.Error(t, engine.Refresh(context.Background()))

	result := engine.Classify(context.Background(), Message{Sender: "Mom", Text: "hi"})
	require.Equal(t, Urgent, result.Urgency)
}

func TestClassifyLoadsRulesLazilyOnce(t *testing.T) {
	rules := &staticRules{keywords: []string{"asap"}}
	engine := newTestEngine(t, rules, &countingReasoner{verdict: Classification{Urgency: NotUrgent, Reason: "x"}})

	for i := 0; i < 3; i++ {
		engine.Classify(context.Background(), Message{Text: "reply asap"})
	}
	require.EqualValues(t, 1, rules.loads.Load())
}

func TestNewEngineRequiresReasoner(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	require.Error(t, err)
}
