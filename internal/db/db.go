package db

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/make-ware/video-ware-sub003/internal/domain"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
)

// Service owns the GORM handle. Postgres is the production driver; sqlite
// (DB_DRIVER=sqlite) backs local development and the default test harness.
type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	driver := envutil.Str("DB_DRIVER", "postgres")
	gormCfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogLevel(),
	}

	var (
		handle *gorm.DB
		err    error
	)
	switch driver {
	case "sqlite":
		path := envutil.Str("SQLITE_PATH", "file::memory:?cache=shared")
		serviceLog.Info("connecting to sqlite", "path", path)
		handle, err = gorm.Open(sqlite.Open(path), gormCfg)
	case "postgres":
		dsn := postgresDSN()
		serviceLog.Info("connecting to postgres")
		handle, err = gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
	if err != nil {
		serviceLog.Error("database connect failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	return &Service{db: handle, log: serviceLog}, nil
}

// NewWithHandle wraps an existing GORM handle. Test seam.
func NewWithHandle(handle *gorm.DB, log *logger.Logger) *Service {
	return &Service{db: handle, log: log.With("service", "DBService")}
}

func postgresDSN() string {
	if url := envutil.Str("DATABASE_URL", ""); url != "" {
		return url
	}
	host := envutil.Str("POSTGRES_HOST", "localhost")
	port := envutil.Str("POSTGRES_PORT", "5432")
	user := envutil.Str("POSTGRES_USER", "postgres")
	password := envutil.Str("POSTGRES_PASSWORD", "")
	name := envutil.Str("POSTGRES_NAME", "videoware")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
}

func gormLogLevel() gormlogger.Interface {
	if envutil.Bool("DB_DEBUG", false) {
		return gormlogger.Default.LogMode(gormlogger.Info)
	}
	return gormlogger.Default.LogMode(gormlogger.Silent)
}

// AutoMigrateAll creates or upgrades every engine-owned table.
func (s *Service) AutoMigrateAll() error {
	s.log.Info("auto migrating tables")
	if err := s.db.AutoMigrate(
		&domain.Task{},
		&domain.Upload{},
		&domain.Media{},
		&domain.RenderOutput{},
	); err != nil {
		s.log.Error("auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *Service) DB() *gorm.DB {
	return s.db
}

// Ping verifies store liveness within the caller's deadline.
func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
