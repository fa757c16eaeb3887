package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roamii/internal/store/kvstore"
)

// Namespace is a kvstore.Namespace over the kv_entries table.
type Namespace struct {
	db *gorm.DB
}

var _ kvstore.Namespace = (*Namespace)(nil)

func NewNamespace(db *gorm.DB) *Namespace {
	return &Namespace{db: db}
}

func (n *Namespace) Get(ctx context.Context, key string) (kvstore.Entry, error) {
	// Use Find so "not found" doesn't log as error.
	var e KVEntry
	res := n.db.WithContext(ctx).Where("key = ?", key).Limit(1).Find(&e)
	if res.Error != nil {
		return kvstore.Entry{}, res.Error
	}
	if res.RowsAffected == 0 {
		return kvstore.Entry{}, kvstore.ErrKeyNotFound
	}
	md, err := kvstore.DecodeMetadata(map[string]any(e.Metadata))
	if err != nil {
		return kvstore.Entry{}, fmt.Errorf("metadata of %s: %w", key, err)
	}
	return kvstore.Entry{Value: []byte(e.Value), Metadata: md, Version: e.Version}, nil
}

func (n *Namespace) Put(ctx context.Context, key string, value []byte, metadata map[string]any) (int64, error) {
	var version int64
	err := n.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		e := KVEntry{Key: key, Value: string(value), Metadata: datatypes.JSONMap(metadata), Version: 1}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"value":      e.Value,
				"metadata":   e.Metadata,
				"version":    gorm.Expr("kv_entries.version + 1"),
				"updated_at": now,
			}),
		}).Create(&e).Error
		if err != nil {
			return err
		}
		return tx.Model(&KVEntry{}).Where("key = ?", key).Pluck("version", &version).Error
	})
	return version, err
}

func (n *Namespace) PutIfVersion(ctx context.Context, key string, value []byte, metadata map[string]any, version int64) (int64, error) {
	db := n.db.WithContext(ctx)
	if version == 0 {
		e := KVEntry{Key: key, Value: string(value), Metadata: datatypes.JSONMap(metadata), Version: 1}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			return 0, kvstore.ErrVersionMismatch
		}
		return 1, nil
	}

	res := db.Model(&KVEntry{}).
		Where("key = ? AND version = ?", key, version).
		Updates(map[string]interface{}{
			"value":    string(value),
			"metadata": datatypes.JSONMap(metadata),
			"version":  version + 1,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, kvstore.ErrVersionMismatch
	}
	return version + 1, nil
}

func (n *Namespace) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := n.db.WithContext(ctx).Model(&KVEntry{}).
		Where("key LIKE ?", prefix+"%").
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, err
	}
	// LIKE treats "_" and "%" in prefix as wildcards.
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
