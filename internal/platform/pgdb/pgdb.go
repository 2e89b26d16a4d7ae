// Package pgdb opens the engine's Postgres connection, trimmed from the
// donor's internal/db.PostgresService down to connect + migrate (the donor's
// AutoMigrateAll listed course-platform types that have no place here; the
// Job Store and Checkpoint Store each own their own Migrate function).
package pgdb

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/xdotcontractor01/mdvideo/internal/platform/envutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
	"github.com/xdotcontractor01/mdvideo/internal/store/checkpoint"
	"github.com/xdotcontractor01/mdvideo/internal/store/job"
)

// Open connects to Postgres using POSTGRES_* environment variables (or
// JOB_STORE_URI verbatim when set), then migrates the job and checkpoint
// tables.
func Open(log *logger.Logger) (*gorm.DB, error) {
	dsn := envutil.Str("JOB_STORE_URI", "")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envutil.Str("POSTGRES_USER", "postgres"),
			envutil.Str("POSTGRES_PASSWORD", ""),
			envutil.Str("POSTGRES_HOST", "localhost"),
			envutil.Str("POSTGRES_PORT", "5432"),
			envutil.Str("POSTGRES_NAME", "mdvideo"),
		)
	}

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Info("connecting to postgres")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("pgdb: connect: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("pgdb: enable uuid-ossp: %w", err)
	}

	if err := job.Migrate(db); err != nil {
		return nil, fmt.Errorf("pgdb: migrate job store: %w", err)
	}
	if err := checkpoint.Migrate(db); err != nil {
		return nil, fmt.Errorf("pgdb: migrate checkpoint store: %w", err)
	}

	log.Info("postgres ready")
	return db, nil
}
