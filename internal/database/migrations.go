package database

import (
	"errors"
	"time"

	"github.com/redwing-381/projectx/internal/monitoring"
	"github.com/redwing-381/projectx/internal/rules"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedMonitoringSettings = "2026-10-01_seed_monitoring_settings"
	migrationNormalizeRuleValues    = "2026-10-01_normalize_rule_values"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedMonitoringSettings, apply: seedMonitoringSettings},
		{name: migrationNormalizeRuleValues, apply: normalizeRuleValues},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedMonitoringSettings(db *gorm.DB) error {
	defaults := monitoring.DefaultSettings()
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error
}

// Rule values imported from older deployments may carry mixed case or padding.
func normalizeRuleValues(db *gorm.DB) error {
	if err := db.Model(&rules.VIPSender{}).
		Where("value <> LOWER(TRIM(value))").
		Update("value", gorm.Expr("LOWER(TRIM(value))")).Error; err != nil {
		return err
	}
	return db.Model(&rules.Keyword{}).
		Where("keyword <> LOWER(TRIM(keyword))").
		Update("keyword", gorm.Expr("LOWER(TRIM(keyword))")).Error
}
