package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const DefaultDBFile = "avtad.sqlite3"
const errDBClientNil = "db client is nil"

// ErrRunNotFound is returned when a run id does not exist
var ErrRunNotFound = errors.New("run not found")

// Config locates the database file
type Config struct {
	Path string `yaml:"path"`
}

// DefaultConfig stores runs next to the working directory
func DefaultConfig() Config {
	return Config{Path: DefaultDBFile}
}

// Run is one invocation of the detector over a batch of videos
type Run struct {
	ID         string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name       string `gorm:"index:idx_run_name" json:"name"`
	ModelPath  string `json:"model_path"`
	Videos     int    `json:"videos"`
	Detections int    `json:"detections"`
	CreatedAt  time.Time
}

// DetectionRecord is a persisted detection
type DetectionRecord struct {
	ID      uint    `gorm:"primaryKey;autoIncrement"`
	RunID   string  `gorm:"type:varchar(36);index:idx_run_video,priority:1" json:"run_id"`
	VideoID string  `gorm:"index:idx_run_video,priority:2" json:"video_id"`
	Branch  string  `gorm:"index:idx_branch" json:"branch"`
	ClassID int     `json:"class_id"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// TableName keeps the table name stable across renames of the Go type
func (DetectionRecord) TableName() string {
	return "detections"
}

// Detection converts the record back to its domain value
func (r DetectionRecord) Detection() segments.Detection {
	return segments.Detection{
		Start:   r.Start,
		End:     r.End,
		Branch:  segments.Branch(r.Branch),
		ClassID: r.ClassID,
		Score:   r.Score,
		Rank:    r.Rank,
	}
}

// DBClient persists detection runs in SQLite
type DBClient struct {
	DB     *gorm.DB
	db     *sql.DB
	logger zerolog.Logger
}

// NewDBClient opens (creating if needed) the database at path
func NewDBClient(log zerolog.Logger, dbPath string) (*DBClient, error) {
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_pragma=foreign_keys(1)"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Run{}, &DetectionRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{
		DB:     db,
		db:     sqlDB,
		logger: log.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases the database handle
func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// CreateRun registers a new run and returns its id
func (c *DBClient) CreateRun(name, modelPath string) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}

	run := Run{ID: uuid.NewString(), Name: name, ModelPath: modelPath}
	if err := c.DB.Create(&run).Error; err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	c.logger.Debug().Str("run", run.ID).Str("name", name).Msg("run created")
	return run.ID, nil
}

// SaveDetections replaces the stored detections of one video in a run
func (c *DBClient) SaveDetections(runID, videoID string, dets []segments.Detection) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}

	records := make([]DetectionRecord, len(dets))
	for i, d := range dets {
		records[i] = DetectionRecord{
			RunID:   runID,
			VideoID: videoID,
			Branch:  string(d.Branch),
			ClassID: d.ClassID,
			Start:   d.Start,
			End:     d.End,
			Score:   d.Score,
			Rank:    d.Rank,
		}
	}

	return c.DB.Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return fmt.Errorf("loading run: %w", err)
		}

		res := tx.Where("run_id = ? AND video_id = ?", runID, videoID).Delete(&DetectionRecord{})
		if res.Error != nil {
			return fmt.Errorf("clearing previous detections: %w", res.Error)
		}
		replaced := res.RowsAffected > 0

		if len(records) > 0 {
			if err := tx.CreateInBatches(records, 500).Error; err != nil {
				return fmt.Errorf("inserting detections: %w", err)
			}
		}

		updates := map[string]any{
			"detections": gorm.Expr("detections - ? + ?", res.RowsAffected, len(records)),
		}
		if !replaced {
			updates["videos"] = gorm.Expr("videos + 1")
		}
		if err := tx.Model(&run).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating run counters: %w", err)
		}
		return nil
	})
}

// ListRuns returns every run, newest first
func (c *DBClient) ListRuns() ([]Run, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var runs []Run
	if err := c.DB.Order("created_at DESC").Order("id").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// GetRun returns one run by id
func (c *DBClient) GetRun(runID string) (*Run, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var run Run
	if err := c.DB.First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return &run, nil
}

// GetDetections returns a run's detections ordered by video, branch and
// rank. An empty videoID returns every video.
func (c *DBClient) GetDetections(runID, videoID string) ([]DetectionRecord, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	q := c.DB.Where("run_id = ?", runID)
	if videoID != "" {
		q = q.Where("video_id = ?", videoID)
	}
	var records []DetectionRecord
	if err := q.Order("video_id").Order("branch").Order("rank").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("querying detections: %w", err)
	}
	return records, nil
}

// DeleteRun removes a run and its detections
func (c *DBClient) DeleteRun(runID string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&DetectionRecord{}).Error; err != nil {
			return fmt.Errorf("deleting detections: %w", err)
		}
		res := tx.Where("id = ?", runID).Delete(&Run{})
		if res.Error != nil {
			return fmt.Errorf("deleting run: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		c.logger.Info().Str("run", runID).Msg("run deleted")
		return nil
	})
}
