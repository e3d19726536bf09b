package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidValue indicates an empty rule value.
	ErrInvalidValue = errors.New("rules: value is required")
	// ErrDuplicate indicates the rule already exists.
	ErrDuplicate = errors.New("rules: rule already exists")
	// ErrNotFound indicates no rule has the given id.
	ErrNotFound = errors.New("rules: rule not found")
)

// StoreConfig describes the dependencies of the rule store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store manages VIP senders and urgent keywords.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs the rule store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("rules: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Normalize lowercases and trims a rule value.
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// ListVIPSenders returns every VIP sender, newest first.
func (s *Store) ListVIPSenders(ctx context.Context) ([]VIPSender, error) {
	var senders []VIPSender
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&senders).Error; err != nil {
		return nil, fmt.Errorf("rules: list vip senders: %w", err)
	}
	return senders, nil
}

// AddVIPSender stores a normalized VIP sender.
func (s *Store) AddVIPSender(ctx context.Context, value string) (VIPSender, error) {
	value = Normalize(value)
	if value == "" {
		return VIPSender{}, ErrInvalidValue
	}
	sender := VIPSender{Value: value}
	created, err := s.insert(ctx, &sender, "value")
	if err != nil {
		return VIPSender{}, fmt.Errorf("rules: add vip sender: %w", err)
	}
	if !created {
		return VIPSender{}, ErrDuplicate
	}
	s.logger.Info("vip sender added", zap.String("value", value))
	return sender, nil
}

// DeleteVIPSender removes a VIP sender by id.
func (s *Store) DeleteVIPSender(ctx context.Context, id uint) error {
	return s.delete(ctx, &VIPSender{}, id)
}

// ListKeywords returns every keyword, newest first.
func (s *Store) ListKeywords(ctx context.Context) ([]Keyword, error) {
	var keywords []Keyword
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&keywords).Error; err != nil {
		return nil, fmt.Errorf("rules: list keywords: %w", err)
	}
	return keywords, nil
}

// AddKeyword stores a normalized keyword.
func (s *Store) AddKeyword(ctx context.Context, value string) (Keyword, error) {
	value = Normalize(value)
	if value == "" {
		return Keyword{}, ErrInvalidValue
	}
	keyword := Keyword{Keyword: value}
	created, err := s.insert(ctx, &keyword, "keyword")
	if err != nil {
		return Keyword{}, fmt.Errorf("rules: add keyword: %w", err)
	}
	if !created {
		return Keyword{}, ErrDuplicate
	}
	s.logger.Info("keyword added", zap.String("keyword", value))
	return keyword, nil
}

// DeleteKeyword removes a keyword by id.
func (s *Store) DeleteKeyword(ctx context.Context, id uint) error {
	return s.delete(ctx, &Keyword{}, id)
}

// VIPSenders returns the VIP values for the classification rule cache.
func (s *Store) VIPSenders(ctx context.Context) ([]string, error) {
	var values []string
	if err := s.db.WithContext(ctx).Model(&VIPSender{}).Pluck("value", &values).Error; err != nil {
		return nil, fmt.Errorf("rules: load vip senders: %w", err)
	}
	return values, nil
}

// Keywords returns the keyword values for the classification rule cache.
func (s *Store) Keywords(ctx context.Context) ([]string, error) {
	var values []string
	if err := s.db.WithContext(ctx).Model(&Keyword{}).Pluck("keyword", &values).Error; err != nil {
		return nil, fmt.Errorf("rules: load keywords: %w", err)
	}
	return values, nil
}

func (s *Store) insert(ctx context.Context, row any, column string) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: column}}, DoNothing: true}).
		Create(row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Store) delete(ctx context.Context, model any, id uint) error {
	result := s.db.WithContext(ctx).Delete(model, id)
	if result.Error != nil {
		return fmt.Errorf("rules: delete %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
