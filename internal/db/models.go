package db

import (
	"time"

	"gorm.io/datatypes"
)

// KVEntry is one key of the key-value namespace.
type KVEntry struct {
	Key string `gorm:"primaryKey"`

	// Value is the stored document, kept opaque.
	Value string `gorm:"type:text;not null"`

	// Metadata is a small JSON object stored beside the value so listings
	// can be summarized without decoding every document.
	Metadata datatypes.JSONMap `gorm:"type:json"`

	// Version is bumped on every write and guards conditional updates.
	Version int64 `gorm:"not null;default:1"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
