package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckpointRecord is the table row behind GormStore. Metadata columns are
// denormalized from the payload so listing never decodes it.
type CheckpointRecord struct {
	Key          string    `gorm:"column:checkpoint_key;type:varchar(255);primaryKey"`
	ExperimentID string    `gorm:"type:varchar(255);not null;index"`
	Strategy     string    `gorm:"type:varchar(64)"`
	SavedAt      time.Time `gorm:"index"`
	Trials       int
	Completed    int
	BestScore    *float64
	Payload      []byte `gorm:"type:longblob;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName pins the table name independent of gorm's naming strategy.
func (CheckpointRecord) TableName() string { return "checkpoints" }

// MySQLConfig holds connection settings for NewMySQLStore.
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
}

// DSN renders the go-sql-driver connection string.
func (c MySQLConfig) DSN() string {
	charset := c.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName, charset)
}

// GormStore implements Store on a SQL database through gorm. Each checkpoint
// is one row keyed by its store key.
type GormStore struct {
	db *gorm.DB
}

// NewMySQLStore opens a MySQL database from dsn and migrates the checkpoint
// table.
func NewMySQLStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an open gorm handle and migrates the checkpoint table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&CheckpointRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveCheckpoint upserts the row for key in a single statement.
func (s *GormStore) SaveCheckpoint(ctx context.Context, key string, env *Envelope) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	data, err := Encode(env)
	if err != nil {
		return err
	}

	info := env.ToInfo(key)
	rec := CheckpointRecord{
		Key:          key,
		ExperimentID: info.ExperimentID,
		Strategy:     info.Strategy,
		SavedAt:      info.SavedAt,
		Trials:       info.Trials,
		Completed:    info.Completed,
		BestScore:    info.BestScore,
		Payload:      data,
	}
	if err := upsertCheckpoint(s.db.WithContext(ctx), &rec).Error; err != nil {
		return fmt.Errorf("failed to save checkpoint row: %w", err)
	}

	slog.Debug("Checkpoint saved", "key", key, "backend", "gorm", "bytes", len(data))
	return nil
}

// LoadCheckpoint reads and decodes the row for key.
func (s *GormStore) LoadCheckpoint(ctx context.Context, key string) (*Envelope, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}

	var rec CheckpointRecord
	err := s.db.WithContext(ctx).Where("checkpoint_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Key: key}
	} else if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return Decode(rec.Payload)
}

// ListCheckpoints returns the metadata columns of every row, ordered by key.
func (s *GormStore) ListCheckpoints(ctx context.Context) ([]CheckpointInfo, error) {
	var rows []checkpointRow
	if err := listCheckpointsQuery(s.db.WithContext(ctx)).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	infos := make([]CheckpointInfo, 0, len(rows))
	for _, r := range rows {
		infos = append(infos, r.info())
	}
	return infos, nil
}

// checkpointRow is one result of listCheckpointsQuery.
type checkpointRow struct {
	CheckpointRecord
	Size int64
}

func (r checkpointRow) info() CheckpointInfo {
	return CheckpointInfo{
		Key:          r.Key,
		ExperimentID: r.ExperimentID,
		Strategy:     r.Strategy,
		SavedAt:      r.SavedAt,
		Trials:       r.Trials,
		Completed:    r.Completed,
		BestScore:    r.BestScore,
		Size:         r.Size,
	}
}

// upsertCheckpoint inserts rec or overwrites every column but the key and
// created_at of an existing row.
func upsertCheckpoint(tx *gorm.DB, rec *CheckpointRecord) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "checkpoint_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"experiment_id", "strategy", "saved_at", "trials", "completed", "best_score", "payload", "updated_at"}),
	}).Create(rec)
}

// listCheckpointsQuery selects the metadata columns and the payload size,
// leaving the payload itself on the server.
func listCheckpointsQuery(tx *gorm.DB) *gorm.DB {
	return tx.Model(&CheckpointRecord{}).
		Select("checkpoint_key, experiment_id, strategy, saved_at, trials, completed, best_score, LENGTH(payload) AS size").
		Order("checkpoint_key")
}

// DeleteCheckpoint removes the row for key.
func (s *GormStore) DeleteCheckpoint(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	res := s.db.WithContext(ctx).Where("checkpoint_key = ?", key).Delete(&CheckpointRecord{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Key: key}
	}
	slog.Debug("Checkpoint deleted", "key", key, "backend", "gorm")
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
