package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
	"github.com/fuzziecoder/Flexi-Roaster/internal/utils"
)

type DatabaseService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewDatabaseService connects to Postgres when POSTGRES_HOST (or a postgres
// DATABASE_URL) is configured, and falls back to an embedded SQLite file
// otherwise so the service runs with zero infrastructure.
func NewDatabaseService(log *logger.Logger) (*DatabaseService, error) {
	serviceLog := log.With("service", "DatabaseService")

	databaseURL := utils.GetEnv("DATABASE_URL", "", log)
	var (
		gdb *gorm.DB
		err error
	)
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		log.Info("Connecting to Postgres...", "dsn_source", "DATABASE_URL")
		gdb, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
		})
	case databaseURL != "":
		log.Info("Opening SQLite database...", "path", databaseURL)
		gdb, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{})
	case utils.GetEnv("POSTGRES_HOST", "", nil) != "":
		postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
		postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
		postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		postgresName := utils.GetEnv("POSTGRES_NAME", "flexiroaster", log)
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)
		log.Info("Connecting to Postgres...")
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
		})
	default:
		log.Info("Opening SQLite database...", "path", "flexiroaster.db")
		gdb, err = gorm.Open(sqlite.Open("flexiroaster.db"), &gorm.Config{})
	}
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DatabaseService{db: gdb, log: serviceLog}, nil
}

func (s *DatabaseService) AutoMigrateAll() error {
	s.log.Info("Auto migrating tables...")
	err := s.db.AutoMigrate(
		&domain.Pipeline{},
		&domain.PipelineStage{},
		&domain.Execution{},
		&domain.StageExecution{},
		&domain.ExecutionLog{},
		&domain.ExecutionLock{},
		&domain.AIInsight{},
		&domain.Metric{},
	)
	if err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

func (s *DatabaseService) DB() *gorm.DB {
	return s.db
}
