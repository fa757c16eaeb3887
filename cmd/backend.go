package cmd

import (
	"context"
	"fmt"

	"github.com/coder/quartz"

	"roamii/internal/config"
	"roamii/internal/db"
	"roamii/internal/store"
	"roamii/internal/store/filestore"
	"roamii/internal/store/kvstore"
)

// openStore opens the backend named by APP_STORE_BACKEND. The returned
// close func releases it.
func openStore(ctx context.Context, c *config.Config, clock quartz.Clock) (store.Store, func(), error) {
	switch c.StoreBackend {
	case "file":
		st, err := filestore.Open(ctx, c.VisitorFile, clock)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open visitor file: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "kv":
		gdb, err := db.Connect(c)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect database: %w", err)
		}
		st := kvstore.New(db.NewNamespace(gdb), clock)
		return st, func() {
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}, nil
	case "memory":
		return kvstore.New(kvstore.NewMemoryNamespace(), clock), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q (want file, kv or memory)", c.StoreBackend)
}
