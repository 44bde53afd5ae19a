// Package export packages scenes for sharing and unpacks them again.
//
// Two formats exist: "talemate", the scene JSON base64 encoded, and
// "talemate_complete", a ZIP with scene.json at its root plus optional
// assets/, nodes/, info/ and templates/ directories and the restore file.
package export

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jwebster45206/talemate/pkg/scene"
)

// Format names an export format.
type Format string

const (
	FormatTalemate Format = "talemate"
	FormatComplete Format = "talemate_complete"
)

// SceneFile is the scene snapshot inside a complete export.
const SceneFile = "scene.json"

// ErrUnknownFormat is returned for formats other than the two above.
var ErrUnknownFormat = errors.New("unknown export format")

// Options select what goes into an export.
type Options struct {
	Format           Format
	IncludeAssets    bool
	IncludeNodes     bool
	IncludeInfo      bool
	IncludeTemplates bool
	// ResetProgress exports the scene as if it had just started.
	ResetProgress bool
}

// DefaultOptions is a complete export with everything included.
var DefaultOptions = Options{
	Format:           FormatComplete,
	IncludeAssets:    true,
	IncludeNodes:     true,
	IncludeInfo:      true,
	IncludeTemplates: true,
}

// Exporter writes scene exports.
type Exporter struct {
	logger *slog.Logger
}

// NewExporter creates an exporter.
func NewExporter(logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{logger: logger}
}

// snapshot returns the scene JSON, reset if requested. The live scene is
// never modified.
func snapshot(ctx context.Context, s *scene.Scene, reset bool) ([]byte, error) {
	if !reset {
		return json.Marshal(s)
	}
	cp, err := s.Clone()
	if err != nil {
		return nil, err
	}
	cp.SetBus(nil)
	cp.ResetProgress(ctx)
	return json.Marshal(cp)
}

// Export writes s to w in the format of opts.
func (e *Exporter) Export(ctx context.Context, s *scene.Scene, opts Options, w io.Writer) error {
	data, err := snapshot(ctx, s, opts.ResetProgress)
	if err != nil {
		return fmt.Errorf("failed to snapshot scene: %w", err)
	}
	switch opts.Format {
	case FormatTalemate, "":
		enc := base64.NewEncoder(base64.StdEncoding, w)
		if _, err := enc.Write(data); err != nil {
			return fmt.Errorf("failed to encode scene: %w", err)
		}
		return enc.Close()
	case FormatComplete:
		return e.exportZip(s, data, opts, w)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, opts.Format)
	}
}

func (e *Exporter) exportZip(s *scene.Scene, data []byte, opts Options, w io.Writer) error {
	zw := zip.NewWriter(w)
	f, err := zw.Create(SceneFile)
	if err != nil {
		return fmt.Errorf("failed to add scene file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write scene file: %w", err)
	}

	dirs := []struct {
		name    string
		include bool
	}{
		{"assets", opts.IncludeAssets},
		{"nodes", opts.IncludeNodes},
		{"info", opts.IncludeInfo},
		{"templates", opts.IncludeTemplates},
	}
	if s.SaveDir != "" {
		for _, d := range dirs {
			if !d.include {
				continue
			}
			n, err := addDir(zw, filepath.Join(s.SaveDir, d.name), d.name)
			if err != nil {
				return err
			}
			e.logger.Debug("Exported directory", "scene", s.Name, "dir", d.name, "files", n)
		}
		if s.RestoreFrom != "" && !opts.ResetProgress {
			if err := addFile(zw, filepath.Join(s.SaveDir, s.RestoreFrom), filepath.Base(s.RestoreFrom)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish export: %w", err)
	}
	e.logger.Info("Exported scene", "scene", s.Name, "format", FormatComplete)
	return nil
}

func addDir(zw *zip.Writer, dir, prefix string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		n++
		return addFile(zw, path, filepath.ToSlash(filepath.Join(prefix, rel)))
	})
	if err != nil {
		return n, fmt.Errorf("failed to export %s: %w", prefix, err)
	}
	return n, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
