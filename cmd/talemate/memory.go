package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jwebster45206/talemate/internal/config"
	"github.com/jwebster45206/talemate/internal/memory/postgres"
	"github.com/jwebster45206/talemate/internal/memory/sqlite"
	"github.com/jwebster45206/talemate/pkg/memory"
)

// openMemory connects the configured memory backend. The in-process
// backend holds nothing between invocations, so it returns nil.
func openMemory(ctx context.Context, cfg *config.Config, collection string, logger *slog.Logger) (memory.Memory, error) {
	var m memory.Memory
	switch cfg.MemoryBackend {
	case config.MemoryBackendSQLite:
		m = sqlite.New(cfg.MemoryDSN, collection, nil, logger)
	case config.MemoryBackendPostgres:
		m = postgres.New(cfg.MemoryDSN, collection, nil, logger)
	case config.MemoryBackendMemory, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown memory backend: %q", cfg.MemoryBackend)
	}
	if err := m.SetDB(ctx); err != nil {
		return nil, err
	}
	return m, nil
}
