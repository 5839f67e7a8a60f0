package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ei-camera-detect/config"
	"ei-camera-detect/internal/models"

	"github.com/disintegration/imaging"
	"github.com/glebarez/sqlite" // Pure Go
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlog "gorm.io/gorm/logger"
)

// PredictionRecord is one processed frame, sent or suppressed.
type PredictionRecord struct {
	gorm.Model
	Source      string         `gorm:"index" json:"source"`
	DeviceID    int            `json:"device_id"`
	ModelType   string         `json:"model_type"`
	Predictions datatypes.JSON `json:"predictions"`
	TopClass    string         `gorm:"index" json:"top_class"`
	TopScore    float64        `json:"top_score"`
	Sent        bool           `gorm:"index" json:"sent"`
	TimingMs    int            `json:"timing_ms"`
	Snapshot    string         `json:"snapshot,omitempty"` // file name below the snapshot dir
	CapturedAt  time.Time      `gorm:"index" json:"captured_at"`
}

// Store persists prediction history.
type Store struct {
	db          *gorm.DB
	snapshotDir string
}

// Open connects to the sqlite file from cfg and migrates the schema.
func Open(cfg config.DBConfig) (*Store, error) {
	if cfg.File != ":memory:" {
		dbDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory '%s': %w", dbDir, err)
		}
	}

	// Configure GORM logger to use our logrus instance
	gormLogger := gormlog.New(
		log.StandardLogger(),
		gormlog.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  gormlog.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)
	db, err := gorm.Open(sqlite.Open(cfg.File), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database '%s': %w", cfg.File, err)
	}

	// sqlite allows a single writer; the agent and the cleanup ticker share it.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	log.Info("Database connection established.")
	return NewStore(db, cfg.SnapshotDir)
}

// NewStore wraps an open connection and migrates the schema. An empty
// snapshotDir disables snapshot files.
func NewStore(db *gorm.DB, snapshotDir string) (*Store, error) {
	log.Info("Running database migrations...")
	if err := db.AutoMigrate(&PredictionRecord{}); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Info("Database migrations completed.")
	return &Store{db: db, snapshotDir: snapshotDir}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OnPrediction records ev. Failures are logged so the capture loop never
// stalls on the history store.
func (s *Store) OnPrediction(ev models.PredictionEvent) {
	if _, err := s.Save(ev); err != nil {
		log.WithError(err).Warn("Failed to store prediction")
	}
}

// Save inserts one record for ev, writing a snapshot when enabled.
func (s *Store) Save(ev models.PredictionEvent) (*PredictionRecord, error) {
	preds := ev.Predictions
	if preds == nil {
		preds = []models.Prediction{}
	}
	data, err := json.Marshal(preds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode predictions: %w", err)
	}

	rec := &PredictionRecord{
		Source:      ev.Source,
		DeviceID:    ev.DeviceID,
		ModelType:   ev.ModelType,
		Predictions: datatypes.JSON(data),
		Sent:        ev.Sent,
		TimingMs:    ev.TimingMs,
		CapturedAt:  ev.CapturedAt,
	}
	for _, p := range preds {
		if p.Score > rec.TopScore || rec.TopClass == "" {
			rec.TopClass, rec.TopScore = p.Class, p.Score
		}
	}

	if s.snapshotDir != "" && ev.Frame != nil && len(preds) > 0 {
		name := fmt.Sprintf("%s_%d.jpg", ev.Source, ev.CapturedAt.UnixNano())
		if err := imaging.Save(ev.Frame, filepath.Join(s.snapshotDir, name)); err != nil {
			log.WithError(err).Warnf("Failed to write snapshot %s", name)
		} else {
			rec.Snapshot = name
		}
	}

	if err := s.db.Create(rec).Error; err != nil {
		if rec.Snapshot != "" {
			os.Remove(filepath.Join(s.snapshotDir, rec.Snapshot))
		}
		return nil, fmt.Errorf("failed to insert prediction: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) ([]PredictionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []PredictionRecord
	if err := s.db.Order("captured_at DESC").Order("id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	return recs, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.Model(&PredictionRecord{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count predictions: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes records captured before cutoff along with their
// snapshot files, and returns how many rows were deleted.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int64, error) {
	var snapshots []string
	if s.snapshotDir != "" {
		err := s.db.Model(&PredictionRecord{}).
			Where("captured_at < ? AND snapshot <> ''", cutoff).
			Pluck("snapshot", &snapshots).Error
		if err != nil {
			return 0, fmt.Errorf("failed to find old snapshots: %w", err)
		}
	}

	result := s.db.Unscoped().Where("captured_at < ?", cutoff).Delete(&PredictionRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old predictions: %w", result.Error)
	}

	for _, name := range snapshots {
		path := filepath.Join(s.snapshotDir, name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			// DB rows are already gone; a leftover file is only logged.
			log.Warnf("Cleanup: Failed to delete snapshot file '%s': %v", path, err)
		}
	}
	return result.RowsAffected, nil
}
