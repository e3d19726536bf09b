package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultPageSize is the number of records per history page.
	DefaultPageSize = 20

	opStoreNew    = "history.store.new"
	opFind        = "history.find"
	opInsert      = "history.insert"
	opClaimSMS    = "history.claim_sms"
	opCompleteSMS = "history.complete_sms"
	opList        = "history.list"
	opCounts      = "history.counts"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingMessageID = errors.New("message id is required")
)

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

// StoreConfig describes the dependencies of the history store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists alert records.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the history store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Find returns the record for a message id and whether it exists.
func (s *Store) Find(ctx context.Context, messageID string) (AlertRecord, bool, error) {
	var record AlertRecord
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AlertRecord{}, false, nil
	}
	if err != nil {
		s.logError(opFind, "select_failed", err, zap.String("message_id", messageID))
		return AlertRecord{}, false, newServiceError(opFind, "select_failed", err)
	}
	return record, true, nil
}

// Insert stores a new record unless one already exists for its message id.
// It reports whether this call created the row.
func (s *Store) Insert(ctx context.Context, record *AlertRecord) (bool, error) {
	if record == nil || strings.TrimSpace(record.MessageID) == "" {
		return false, newServiceError(opInsert, "missing_message_id", errMissingMessageID)
	}
	record.TextPreview = TruncatePreview(record.TextPreview)
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(record)
	if result.Error != nil {
		s.logError(opInsert, "create_failed", result.Error, zap.String("message_id", record.MessageID))
		return false, newServiceError(opInsert, "create_failed", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ClaimSMS takes the dispatch claim on a record whose SMS has not been sent.
// A claim older than ttl is considered abandoned and may be retaken.
func (s *Store) ClaimSMS(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	now := s.clock().UnixMilli()
	staleBefore := now - ttl.Milliseconds()
	result := s.db.WithContext(ctx).
		Model(&AlertRecord{}).
		Where("message_id = ? AND sms_sent = ? AND (sms_claimed_at_ms = 0 OR sms_claimed_at_ms < ?)", messageID, false, staleBefore).
		Update("sms_claimed_at_ms", now)
	if result.Error != nil {
		s.logError(opClaimSMS, "update_failed", result.Error, zap.String("message_id", messageID))
		return false, newServiceError(opClaimSMS, "update_failed", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CompleteSMS records a dispatch outcome and releases the claim.
func (s *Store) CompleteSMS(ctx context.Context, messageID string, sent bool, failure string) error {
	result := s.db.WithContext(ctx).
		Model(&AlertRecord{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{
			"sms_sent":          sent,
			"sms_claimed_at_ms": 0,
			"sms_error":         failure,
		})
	if result.Error != nil {
		s.logError(opCompleteSMS, "update_failed", result.Error, zap.String("message_id", messageID))
		return newServiceError(opCompleteSMS, "update_failed", result.Error)
	}
	return nil
}

// SMSSent reports whether the SMS for a message has been delivered.
func (s *Store) SMSSent(ctx context.Context, messageID string) (bool, error) {
	record, ok, err := s.Find(ctx, messageID)
	if err != nil || !ok {
		return false, err
	}
	return record.SMSSent, nil
}

// Query filters a history listing.
type Query struct {
	Urgency  string
	Search   string
	Source   string
	Page     int
	PageSize int
}

// Page is one page of history results, newest first.
type Page struct {
	Records    []AlertRecord
	Total      int64
	Page       int
	PageSize   int
	TotalPages int
}

// List returns a filtered page of records.
func (s *Store) List(ctx context.Context, query Query) (Page, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = DefaultPageSize
	}

	scoped := s.db.WithContext(ctx).Model(&AlertRecord{})
	if urgency := strings.ToUpper(strings.TrimSpace(query.Urgency)); urgency != "" {
		scoped = scoped.Where("urgency = ?", urgency)
	}
	if source := strings.ToLower(strings.TrimSpace(query.Source)); source != "" {
		scoped = scoped.Where("(source = ? OR source LIKE ?)", source, source+":%")
	}
	if search := strings.ToLower(strings.TrimSpace(query.Search)); search != "" {
		pattern := "%" + search + "%"
		scoped = scoped.Where("(LOWER(sender) LIKE ? OR LOWER(subject) LIKE ? OR LOWER(text_preview) LIKE ?)", pattern, pattern, pattern)
	}

	scoped = scoped.Session(&gorm.Session{})
	var total int64
	if err := scoped.Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return Page{}, newServiceError(opList, "count_failed", err)
	}

	var records []AlertRecord
	if err := scoped.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&records).Error; err != nil {
		s.logError(opList, "select_failed", err)
		return Page{}, newServiceError(opList, "select_failed", err)
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Page{Records: records, Total: total, Page: page, PageSize: pageSize, TotalPages: totalPages}, nil
}

// Counts summarizes the stored records.
type Counts struct {
	Total   int64
	Urgent  int64
	SMSSent int64
}

// Counts returns aggregate counters across every record.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	if err := s.db.WithContext(ctx).Model(&AlertRecord{}).Count(&counts.Total).Error; err != nil {
		return Counts{}, newServiceError(opCounts, "count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&AlertRecord{}).Where("urgency = ?", "URGENT").Count(&counts.Urgent).Error; err != nil {
		return Counts{}, newServiceError(opCounts, "count_failed", err)
	}
	if err := s.db.WithContext(ctx).Model(&AlertRecord{}).Where("sms_sent = ?", true).Count(&counts.SMSSent).Error; err != nil {
		return Counts{}, newServiceError(opCounts, "count_failed", err)
	}
	return counts, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("history store error", attrs...)
}
