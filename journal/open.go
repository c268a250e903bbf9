package journal

import (
	"context"
	"fmt"

	"github.com/rustyeddy/yieldtrader/config"
)

// Open returns the store selected by cfg.Type.
func Open(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLite(cfg.DBPath)
	case "csv":
		return NewCSV(cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.DSN)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("journal: unknown type %q", cfg.Type)
}
