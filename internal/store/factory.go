package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/internal/database"
	"github.com/OCAP2/locsync/internal/store/dynamo"
	"github.com/OCAP2/locsync/internal/store/kii"
	"github.com/OCAP2/locsync/internal/store/memory"
	sqlstore "github.com/OCAP2/locsync/internal/store/sql"
)

// NewBackend creates a store backend based on configuration. The backend
// serves QueryAll from groupID/bucket and is not yet initialized.
func NewBackend(ctx context.Context, cfg config.StoreConfig, groupID, bucket string, log zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(groupID, bucket), nil
	case "sqlite", "postgres":
		m := database.NewManager(log)
		if err := m.Connect(cfg); err != nil {
			return nil, err
		}
		return sqlstore.New(m.DB, groupID, bucket).OwnConnection(m.Close), nil
	case "kii":
		if cfg.Kii.AppID == "" {
			return nil, fmt.Errorf("kii store requires an app id")
		}
		return kii.New(cfg.Kii, groupID, bucket), nil
	case "dynamo":
		client, err := dynamo.NewClient(ctx, cfg.Dynamo)
		if err != nil {
			return nil, err
		}
		return dynamo.New(client, cfg.Dynamo.Table, groupID, bucket), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

// AsDirectory returns the setup operations of b when it supports all of them.
func AsDirectory(b Backend) (Directory, bool) {
	d, ok := b.(Directory)
	return d, ok
}
