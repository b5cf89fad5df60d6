package store

import (
	"fmt"
	"time"

	"github.com/ericvolp12/clanlog/pkg/classify"
)

// Record is a classified message ready to be persisted into its category's
// table.
type Record struct {
	Category  classify.Category
	Sender    string
	Body      string
	MessageID string
	CreatedAt time.Time
}

// Row is one persisted message. Every category table shares this shape.
type Row struct {
	ID        uint64    `gorm:"column:id;primaryKey" json:"id"`
	Sender    string    `gorm:"column:sender" json:"sender"`
	Body      string    `gorm:"column:body" json:"body"`
	MessageID string    `gorm:"column:message_id" json:"message_id"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// Meta is the key/value table holding sync state.
type Meta struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

func (Meta) TableName() string {
	return "meta_info"
}

const cursorKey = "last_fetched_message_id"

// tableSchema is the DDL shared by every category table and by the shadow
// tables built during Reorder.
func tableSchema(name string, ifNotExists bool) string {
	create := "CREATE TABLE"
	if ifNotExists {
		create = "CREATE TABLE IF NOT EXISTS"
	}
	return fmt.Sprintf(`%s %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT,
		body TEXT,
		message_id TEXT UNIQUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`, create, name)
}
