package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ericvolp12/clanlog/pkg/classify"
	slogGorm "github.com/orandin/slog-gorm"
)

var ErrUnknownCategory = errors.New("unknown category")

var tracer = otel.Tracer("store")

// Store persists classified messages into one sqlite table per category.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
}

// Open opens (or creates) the sqlite database at sqlitePath. When migrate is
// set every category table and the meta table are created if missing.
func Open(logger *slog.Logger, sqlitePath string, migrate bool) (*Store, error) {
	logger = logger.With("module", "store")

	db, err := gorm.Open(sqlite.Open(sqlitePath+"?_busy_timeout=5000"), &gorm.Config{
		Logger: slogGorm.New(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	return newStore(logger, db, migrate)
}

// newStore prepares an open database. db is closed when preparing it fails.
func newStore(logger *slog.Logger, db *gorm.DB, migrate bool) (*Store, error) {
	s := &Store{logger: logger, db: db}

	// Set pragmas for performance
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if migrate {
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates the category tables and the meta table.
func (s *Store) Migrate() error {
	for _, c := range classify.Categories() {
		if err := s.db.Exec(tableSchema(c.Table(), true)).Error; err != nil {
			return fmt.Errorf("failed to create table %s: %w", c.Table(), err)
		}
	}

	if err := s.db.AutoMigrate(&Meta{}); err != nil {
		return fmt.Errorf("failed to migrate meta table: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert stores rec in its category table. It reports false without error
// when a row with the same message id is already there.
func (s *Store) Insert(ctx context.Context, rec Record) (bool, error) {
	if !rec.Category.Valid() {
		return false, fmt.Errorf("%w: %d", ErrUnknownCategory, rec.Category)
	}

	row := Row{
		Sender:    rec.Sender,
		Body:      rec.Body,
		MessageID: rec.MessageID,
		CreatedAt: rec.CreatedAt.UTC(),
	}

	res := s.db.WithContext(ctx).
		Table(rec.Category.Table()).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert into %s: %w", rec.Category.Table(), res.Error)
	}

	return res.RowsAffected > 0, nil
}

// Existing returns the subset of ids already stored in any category table.
// It issues a single query regardless of how many tables there are.
func (s *Store) Existing(ctx context.Context, ids []string) (map[string]struct{}, error) {
	ctx, span := tracer.Start(ctx, "Existing")
	defer span.End()

	span.SetAttributes(attribute.Int("ids", len(ids)))

	existing := make(map[string]struct{})
	if len(ids) == 0 {
		return existing, nil
	}

	categories := classify.Categories()
	selects := make([]string, 0, len(categories))
	args := make([]interface{}, 0, len(categories))
	for _, c := range categories {
		selects = append(selects, fmt.Sprintf("SELECT message_id FROM %s WHERE message_id IN ?", c.Table()))
		args = append(args, ids)
	}

	var found []string
	if err := s.db.WithContext(ctx).Raw(strings.Join(selects, " UNION "), args...).Scan(&found).Error; err != nil {
		return nil, fmt.Errorf("failed to query existing message ids: %w", err)
	}

	for _, id := range found {
		existing[id] = struct{}{}
	}

	return existing, nil
}

// Cursor returns the last fetched message id, if one was ever saved.
func (s *Store) Cursor(ctx context.Context) (string, bool, error) {
	var m Meta
	err := s.db.WithContext(ctx).Where(&Meta{Key: cursorKey}).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to load cursor: %w", err)
	}
	return m.Value, true, nil
}

// SetCursor upserts the last fetched message id.
func (s *Store) SetCursor(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Meta{Key: cursorKey, Value: id}).Error
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
