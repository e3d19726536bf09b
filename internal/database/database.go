package database

import (
	"fmt"
	"strings"

	"github.com/redwing-381/projectx/internal/commands"
	"github.com/redwing-381/projectx/internal/devices"
	"github.com/redwing-381/projectx/internal/history"
	"github.com/redwing-381/projectx/internal/monitoring"
	"github.com/redwing-381/projectx/internal/rules"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and locates the server database.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects with the configured driver and brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(cfg.Path, logger)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func models() []any {
	return []any{
		&devices.Device{},
		&history.AlertRecord{},
		&commands.Command{},
		&rules.VIPSender{},
		&rules.Keyword{},
		&monitoring.Setting{},
		&migrationRecord{},
	}
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
