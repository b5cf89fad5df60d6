package store

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/ericvolp12/clanlog/pkg/classify"
)

var ErrUnknownTable = errors.New("unknown table")

func knownTable(name string) bool {
	for _, c := range classify.Categories() {
		if c.Table() == name {
			return true
		}
	}
	return false
}

// Reorder rebuilds table so that its physical order and ids follow
// created_at. Row content and uniqueness are unchanged. The rebuild runs in
// a single transaction and leaves the table untouched on failure.
func (s *Store) Reorder(ctx context.Context, table string) error {
	ctx, span := tracer.Start(ctx, "Reorder")
	defer span.End()

	span.SetAttributes(attribute.String("table", table))

	if !knownTable(table) {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	shadow := table + "_reorder"

	stmts := []string{
		tableSchema(shadow, false),
		fmt.Sprintf(`INSERT INTO %s (sender, body, message_id, created_at)
			SELECT sender, body, message_id, created_at FROM %s
			ORDER BY created_at ASC, id ASC`, shadow, table),
		fmt.Sprintf("DROP TABLE %s", table),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", shadow, table),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reorder %s: %w", table, err)
	}

	return nil
}

// ReorderAll reorders every category table independently. A failure on one
// table is logged and does not stop the others. It returns the number of
// tables that failed.
func (s *Store) ReorderAll(ctx context.Context) int {
	failed := 0
	for _, c := range classify.Categories() {
		if err := s.Reorder(ctx, c.Table()); err != nil {
			s.logger.Error("failed to reorder table", "table", c.Table(), "err", err)
			failed++
			continue
		}
		s.logger.Debug("reordered table", "table", c.Table())
	}
	return failed
}
