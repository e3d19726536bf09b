package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redwing-381/projectx/internal/alert"
	"github.com/redwing-381/projectx/internal/classify"
	"github.com/redwing-381/projectx/internal/devices"
	"github.com/redwing-381/projectx/internal/events"
	"github.com/redwing-381/projectx/internal/history"
	"go.uber.org/zap"
)

const (
	opSubmitBatch = "ingest.submit_batch"

	messageIDPrefix = "mobile:"
	sourcePrefix    = "android:"
)

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("ingest: validation failed")

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingest: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ServiceError carries an "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Notification is one captured message as uploaded by a device.
type Notification struct {
	ID        string
	App       string
	Sender    string
	Text      string
	Timestamp int64
}

// BatchResult summarizes one accepted batch.
type BatchResult struct {
	Processed         int
	UrgentCount       int
	MonitoringEnabled bool
	Message           string
}

// DeviceRegistry registers devices and tracks their counters.
type DeviceRegistry interface {
	Register(ctx context.Context, deviceID, deviceName string) (devices.Device, error)
	AddProcessed(ctx context.Context, deviceID string, processed int) error
}

// Classifier decides a message's urgency. It never fails.
type Classifier interface {
	Classify(ctx context.Context, message classify.Message) classify.Classification
}

// AlertDispatcher sends at most one SMS per message id.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, messageID, body string) (bool, error)
}

// RecordStore persists alert records keyed by message id.
type RecordStore interface {
	Find(ctx context.Context, messageID string) (history.AlertRecord, bool, error)
	Insert(ctx context.Context, record *history.AlertRecord) (bool, error)
}

// GatewayConfig describes the dependencies of the ingestion gateway.
type GatewayConfig struct {
	Devices    DeviceRegistry
	Classifier Classifier
	Dispatcher AlertDispatcher
	Records    RecordStore
	Events     events.AlertPublisher
	Logger     *zap.Logger
}

// Gateway accepts notification batches from devices.
type Gateway struct {
	devices    DeviceRegistry
	classifier Classifier
	dispatcher AlertDispatcher
	records    RecordStore
	events     events.AlertPublisher
	logger     *zap.Logger

	locksMu     sync.Mutex
	deviceLocks map[string]*deviceLock
}

// deviceLock serialises batches of one device. The entry is dropped once no
// batch holds or waits on it.
type deviceLock struct {
	mu   sync.Mutex
	refs int
}

// NewGateway constructs the ingestion gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Devices == nil || cfg.Classifier == nil || cfg.Records == nil {
		return nil, fmt.Errorf("ingest: device registry, classifier and record store are required")
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Noop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		devices:    cfg.Devices,
		classifier: cfg.Classifier,
		dispatcher: cfg.Dispatcher,
		records:    cfg.Records,
		events:     publisher,
		logger:     logger,
	}, nil
}

// SubmitBatch classifies and records a device's batch in submission order.
// Messages already recorded are counted with their stored verdict and never reclassified.
func (g *Gateway) SubmitBatch(ctx context.Context, deviceID string, notifications []Notification) (BatchResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return BatchResult{}, &ValidationError{Field: "device_id", Reason: "is required"}
	}
	for index, notification := range notifications {
		if strings.TrimSpace(notification.ID) == "" {
			return BatchResult{}, &ValidationError{Field: fmt.Sprintf("notifications[%d].id", index), Reason: "is required"}
		}
	}

	unlock := g.lockDevice(deviceID)
	defer unlock()

	device, err := g.devices.Register(ctx, deviceID, "")
	if err != nil {
		g.logError("register_failed", err, zap.String("device_id", deviceID))
		return BatchResult{}, newServiceError(opSubmitBatch, "register_failed", err)
	}
	if !device.MonitoringEnabled {
		g.logger.Info("monitoring disabled for device, skipping batch",
			zap.String("device_id", deviceID),
			zap.Int("notifications", len(notifications)),
		)
		return BatchResult{MonitoringEnabled: false, Message: "Monitoring disabled for this device"}, nil
	}

	result := BatchResult{MonitoringEnabled: true}
	for _, notification := range notifications {
		urgent, err := g.processOne(ctx, deviceID, notification)
		if err != nil {
			return BatchResult{}, err
		}
		result.Processed++
		if urgent {
			result.UrgentCount++
		}
	}

	if err := g.devices.AddProcessed(ctx, deviceID, result.Processed); err != nil {
		g.logError("counter_failed", err, zap.String("device_id", deviceID))
		return BatchResult{}, newServiceError(opSubmitBatch, "counter_failed", err)
	}

	result.Message = fmt.Sprintf("Processed %d notifications", result.Processed)
	if result.UrgentCount > 0 {
		result.Message += fmt.Sprintf(", %d urgent (SMS sent)", result.UrgentCount)
	}
	g.logger.Info("mobile batch processed",
		zap.String("device_id", deviceID),
		zap.Int("processed", result.Processed),
		zap.Int("urgent", result.UrgentCount),
	)
	return result, nil
}

func (g *Gateway) processOne(ctx context.Context, deviceID string, notification Notification) (bool, error) {
	messageID := MessageID(notification.ID)
	record, found, err := g.records.Find(ctx, messageID)
	if err != nil {
		return false, newServiceError(opSubmitBatch, "lookup_failed", err)
	}

	created := false
	if !found {
		classification := g.classifier.Classify(ctx, classify.Message{
			SourceApp: notification.App,
			Sender:    notification.Sender,
			Subject:   subjectFor(notification.App),
			Text:      notification.Text,
		})
		record = history.AlertRecord{
			MessageID:        messageID,
			DeviceID:         deviceID,
			Source:           Source(notification.App),
			SourceApp:        notification.App,
			Sender:           notification.Sender,
			Subject:          subjectFor(notification.App),
			TextPreview:      notification.Text,
			Urgency:          string(classification.Urgency),
			Reason:           classification.Reason,
			CapturedAtMillis: notification.Timestamp,
		}
		created, err = g.records.Insert(ctx, &record)
		if err != nil {
			return false, newServiceError(opSubmitBatch, "record_failed", err)
		}
		if !created {
			record, found, err = g.records.Find(ctx, messageID)
			if err != nil {
				return false, newServiceError(opSubmitBatch, "lookup_failed", err)
			}
			if !found {
				return false, newServiceError(opSubmitBatch, "record_vanished", fmt.Errorf("record %s missing after conflict", messageID))
			}
		}
	}

	urgent := record.Urgency == string(classify.Urgent)
	if urgent && !record.SMSSent && g.dispatcher != nil {
		body := alert.FormatMessage(notification.App, notification.Sender, notification.Text)
		sent, dispatchErr := g.dispatcher.Dispatch(ctx, messageID, body)
		if dispatchErr != nil {
			g.logger.Warn("sms dispatch failed",
				zap.String("message_id", messageID),
				zap.Error(dispatchErr),
			)
		}
		record.SMSSent = sent
	}

	if created {
		if err := g.events.PublishAlert(events.AlertEvent{
			MessageID: messageID,
			DeviceID:  deviceID,
			Source:    record.Source,
			Sender:    record.Sender,
			Urgency:   record.Urgency,
			Reason:    record.Reason,
			SMSSent:   record.SMSSent,
		}); err != nil {
			g.logger.Debug("alert event dropped", zap.String("message_id", messageID), zap.Error(err))
		}
	}
	return urgent, nil
}

func (g *Gateway) lockDevice(deviceID string) func() {
	g.locksMu.Lock()
	if g.deviceLocks == nil {
		g.deviceLocks = make(map[string]*deviceLock)
	}
	lock, ok := g.deviceLocks[deviceID]
	if !ok {
		lock = &deviceLock{}
		g.deviceLocks[deviceID] = lock
	}
	lock.refs++
	g.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		g.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(g.deviceLocks, deviceID)
		}
		g.locksMu.Unlock()
	}
}

func (g *Gateway) logError(reason string, err error, fields ...zap.Field) {
	if g.logger == nil {
		return
	}
	attrs := []zap.Field{zap.String("operation", opSubmitBatch), zap.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	if len(fields) > 0 {
		attrs = append(attrs, fields...)
	}
	g.logger.Error("ingest gateway error", attrs...)
}

// MessageID namespaces a device-issued id.
func MessageID(clientID string) string {
	return messageIDPrefix + strings.TrimSpace(clientID)
}

// Source names the originating app, e.g. "android:whatsapp".
func Source(app string) string {
	return sourcePrefix + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(app)), " ", "")
}

func subjectFor(app string) string {
	return strings.TrimSpace(app) + " notification"
}
