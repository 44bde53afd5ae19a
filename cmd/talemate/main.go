package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jwebster45206/talemate/internal/config"
	"github.com/jwebster45206/talemate/internal/logger"
	filestorage "github.com/jwebster45206/talemate/internal/storage"
	"github.com/jwebster45206/talemate/pkg/storage"
)

// app holds what the commands share. Tests fill it directly.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	// store overrides the file storage built from cfg.
	store storage.Storage
}

func main() {
	a := &app{out: os.Stdout}
	if err := newRootCmd(a).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "talemate",
		Short:         "Scene tooling for the talemate roleplay engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(a.out)
	root.AddCommand(validateCmd(a))
	root.AddCommand(historyCmd(a))
	root.AddCommand(forkCmd(a))
	root.AddCommand(exportCmd(a))
	root.AddCommand(importSceneCmd(a))
	root.AddCommand(importCardCmd(a))
	root.AddCommand(backupsCmd(a))
	root.AddCommand(enqueueCmd(a))
	root.AddCommand(runCmd(a))
	return root
}

func (a *app) init() error {
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.logger == nil {
		a.logger = logger.Setup(a.cfg)
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	return nil
}

// storageFor returns the storage for the scene file at path. Memory
// backends are opened per scene so unsaved memory is purged on load.
func (a *app) storageFor(ctx context.Context, path string) (storage.Storage, error) {
	if a.store != nil {
		return a.store, nil
	}
	fs := filestorage.NewFileStorage(a.cfg.ScenesDir, filestorage.Options{
		AutoBackup: a.cfg.AutoBackup,
		MaxBackups: a.cfg.MaxBackups,
	}, a.logger)

	mem, err := openMemory(ctx, a.cfg, collection(path), a.logger)
	if err != nil {
		return nil, err
	}
	if mem != nil {
		fs = fs.WithMemory(mem)
	}
	return fs, nil
}

// collection names the memory collection of a scene file: its memory id,
// which forks and restore copies share with the scene they came from. Files
// that cannot be read, or carry no memory id, fall back to the file name.
func collection(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		var head struct {
			MemoryID string `json:"memory_id"`
		}
		if json.Unmarshal(data, &head) == nil && head.MemoryID != "" {
			return head.MemoryID
		}
	}
	return filestorage.Slug(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
}
