package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultClaimTTL = 2 * time.Minute

var (
	errMissingTransport = errors.New("alert: transport is required")
	errMissingRecords   = errors.New("alert: record store is required")
	errMissingRecipient = errors.New("alert: recipient phone number is required")
)

// Transport delivers a formatted alert.
type Transport interface {
	Name() string
	Send(ctx context.Context, to, body string) error
}

// RecordStore guards dispatch with a claim on the message's alert record.
type RecordStore interface {
	ClaimSMS(ctx context.Context, messageID string, ttl time.Duration) (bool, error)
	CompleteSMS(ctx context.Context, messageID string, sent bool, failure string) error
	SMSSent(ctx context.Context, messageID string) (bool, error)
}

// DispatcherConfig describes the dependencies of the dispatcher.
type DispatcherConfig struct {
	Transport   Transport
	Records     RecordStore
	PhoneNumber string
	ClaimTTL    time.Duration
	Logger      *zap.Logger
}

// Dispatcher sends at most one successful alert per message id.
type Dispatcher struct {
	transport Transport
	records   RecordStore
	to        string
	claimTTL  time.Duration
	logger    *zap.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Records == nil {
		return nil, errMissingRecords
	}
	to := strings.TrimSpace(cfg.PhoneNumber)
	if to == "" && cfg.Transport.Name() != logTransportName {
		return nil, errMissingRecipient
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		transport: cfg.Transport,
		records:   cfg.Records,
		to:        to,
		claimTTL:  claimTTL,
		logger:    logger,
	}, nil
}

// Dispatch sends the alert for a message unless it was already sent or another
// caller holds the claim. It reports whether the SMS is recorded as sent. A
// transport error is returned for logging and recorded as not sent.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID, body string) (bool, error) {
	claimed, err := d.records.ClaimSMS(ctx, messageID, d.claimTTL)
	if err != nil {
		return false, fmt.Errorf("claim alert %s: %w", messageID, err)
	}
	if !claimed {
		sent, err := d.records.SMSSent(ctx, messageID)
		if err != nil {
			return false, fmt.Errorf("read alert %s: %w", messageID, err)
		}
		d.logger.Debug("alert dispatch skipped", zap.String("message_id", messageID), zap.Bool("sms_sent", sent))
		return sent, nil
	}

	sendErr := d.transport.Send(ctx, d.to, body)
	failure := ""
	if sendErr != nil {
		failure = sendErr.Error()
	}
	// Record the outcome even if the request context has ended.
	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.records.CompleteSMS(completeCtx, messageID, sendErr == nil, failure); err != nil {
		d.logger.Error("failed to record alert outcome", zap.String("message_id", messageID), zap.Error(err))
		if sendErr == nil {
			return true, fmt.Errorf("record alert %s: %w", messageID, err)
		}
	}
	if sendErr != nil {
		d.logger.Warn("alert transport failed",
			zap.String("message_id", messageID),
			zap.String("transport", d.transport.Name()),
			zap.Error(sendErr))
		return false, fmt.Errorf("send alert %s: %w", messageID, sendErr)
	}
	d.logger.Info("alert sent", zap.String("message_id", messageID), zap.String("transport", d.transport.Name()))
	return true, nil
}
