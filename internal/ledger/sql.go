package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ashendes/card-payments/internal/models"
)

// unique_violation, SQLSTATE class 23
const pgErrUniqueViolation = "23505"

// SQLStore persists transactions through gorm (Postgres in production,
// SQLite for embedded runs and tests)
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an already opened gorm handle
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}
}

// OpenPostgres connects to Postgres, retrying while the database comes up
func OpenPostgres(ctx context.Context, dsn string, attempts int, logger log.FieldLogger) (*SQLStore, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := range attempts {
		logger.WithField("attempt", i+1).Info("Connecting to Postgres")

		db, err := gorm.Open(postgres.Open(dsn), gormConfig())
		if err == nil {
			store := NewSQLStore(db)
			if err = store.ping(ctx); err == nil {
				logger.Info("Connected to Postgres")
				return store, nil
			}
		}

		lastErr = err
		logger.WithField("attempt", i+1).WithError(err).Warn("Postgres connection attempt failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("connect to postgres: %w", lastErr)
}

// OpenSQLite opens (creating if needed) a SQLite database file
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewSQLStore(db), nil
}

func (s *SQLStore) ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&models.Transaction{})
}

func (s *SQLStore) Insert(ctx context.Context, tx *models.Transaction) error {
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Transaction, error) {
	return s.first(ctx, "id = ?", id)
}

func (s *SQLStore) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	return s.first(ctx, "idempotency_key = ?", key)
}

func (s *SQLStore) first(ctx context.Context, query string, arg string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).Where(query, arg).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// Apply updates the row only while it is still in t.From, so a concurrent
// writer can never overwrite a terminal status.
func (s *SQLStore) Apply(ctx context.Context, t Transition) (*models.Transaction, error) {
	updates := map[string]interface{}{
		"status":     string(t.To),
		"updated_at": t.At,
	}
	if t.GatewayReference != nil {
		updates["gateway_reference"] = *t.GatewayReference
	}

	res := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ?", t.ID, string(t.From)).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, t.ID); err != nil {
			return nil, err
		}
		return nil, ErrStatusConflict
	}

	return s.Get(ctx, t.ID)
}

func (s *SQLStore) List(ctx context.Context) ([]models.Transaction, error) {
	var txs []models.Transaction
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *SQLStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}
