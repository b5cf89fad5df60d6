package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/ericvolp12/clanlog/pkg/classify"
)

// Filter narrows Query results. Zero values are ignored.
type Filter struct {
	Category  classify.Category
	Sender    string
	MessageID string
	Limit     int
}

// Query returns rows of one category table, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Row, error) {
	if !f.Category.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCategory, f.Category)
	}

	q := s.db.WithContext(ctx).Table(f.Category.Table())
	if f.Sender != "" {
		q = q.Where("sender = ?", f.Sender)
	}
	if f.MessageID != "" {
		q = q.Where("message_id = ?", f.MessageID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []Row
	if err := q.Order("created_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", f.Category.Table(), err)
	}
	return rows, nil
}

// Recent returns the latest chat messages.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.Query(ctx, Filter{Category: classify.Chat, Limit: limit})
}

// Count returns the number of rows stored for a category.
func (s *Store) Count(ctx context.Context, c classify.Category) (int64, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCategory, c)
	}

	var n int64
	if err := s.db.WithContext(ctx).Table(c.Table()).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.Table(), err)
	}
	return n, nil
}

// Scan walks a category table in id order, handing rows to fn in batches.
func (s *Store) Scan(ctx context.Context, c classify.Category, batchSize int, fn func([]Row) error) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCategory, c)
	}

	var batch []Row
	res := s.db.WithContext(ctx).Table(c.Table()).Order("id").FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		return fn(batch)
	})
	if res.Error != nil {
		return fmt.Errorf("failed to scan %s: %w", c.Table(), res.Error)
	}
	return nil
}
