package gormstore

import (
	"context"
	"strings"
	"time"

	"github.com/jrsteele09/campus-attendance/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Open connects to the configured SQL database and migrates the schema.
func Open(cfg config.StorageConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	dsn := cfg.GetDatabaseDSN()
	durability := cfg.GetDurability()

	switch cfg.GetStoreDriver() {
	case config.StorePostgres:
		if durability == config.DurabilityEventual {
			dsn = withParam(dsn, "synchronous_commit", "off")
		}
		dialector = postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		})
	case config.StoreSQLite:
		sync := "FULL"
		if durability == config.DurabilityEventual {
			sync = "NORMAL"
		}
		dsn = withParam(dsn, "_sync", sync)
		dsn = withParam(dsn, "_busy_timeout", "5000")
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported store driver %q", cfg.GetStoreDriver())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "gormstore.Open")
	}

	if cfg.GetStoreDriver() == config.StoreSQLite {
		// SQLite allows a single writer; one connection keeps guarded
		// transactions from failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "gormstore.Open sql.DB")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info().Str("driver", string(cfg.GetStoreDriver())).Str("durability", string(durability)).Msg("Database connected")
	return db, nil
}

// Migrate creates or updates the attendance tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&sessionModel{}, &recordModel{}); err != nil {
		return errors.Wrap(err, "gormstore.Migrate")
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// withParam appends key=value to a URL style or keyword/value DSN.
func withParam(dsn, key, value string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}
	switch {
	case strings.Contains(dsn, "?"):
		return dsn + "&" + key + "=" + value
	case strings.Contains(dsn, "://"), strings.HasPrefix(dsn, "file:"), !strings.Contains(dsn, "="):
		return dsn + "?" + key + "=" + value
	default:
		return dsn + " " + key + "=" + value
	}
}

type txKey struct{}

// withTx carries an open transaction to repository calls made inside a Guard.
func withTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return db.WithContext(ctx)
}
