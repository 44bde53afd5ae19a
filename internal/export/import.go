package export

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for archive entries escaping the target
// directory.
var ErrUnsafePath = errors.New("archive entry escapes target directory")

// Import unpacks an export into dir and returns the path of the scene file.
// ZIP archives, base64 exports and plain scene JSON are accepted. The scene
// file is named after sceneName.
func (e *Exporter) Import(data []byte, dir, sceneName string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scene directory: %w", err)
	}
	target := filepath.Join(dir, sceneName+".json")

	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return target, e.importZip(data, dir, target)
	}

	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
		if err != nil {
			return "", fmt.Errorf("failed to decode talemate export: %w", err)
		}
		trimmed = decoded
	}
	if !json.Valid(trimmed) {
		return "", errors.New("import is not a scene")
	}
	if err := os.WriteFile(target, trimmed, 0o644); err != nil {
		return "", fmt.Errorf("failed to write scene file: %w", err)
	}
	e.logger.Info("Imported scene", "path", target, "format", FormatTalemate)
	return target, nil
}

func (e *Exporter) importZip(data []byte, dir, target string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	foundScene := false
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(root, filepath.FromSlash(f.Name))
		if f.Name == SceneFile {
			dest = target
			foundScene = true
		}
		if !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
			return fmt.Errorf("%s: %w", f.Name, ErrUnsafePath)
		}
		if err := extract(f, dest); err != nil {
			return err
		}
	}
	if !foundScene {
		return fmt.Errorf("archive has no %s", SceneFile)
	}
	e.logger.Info("Imported scene", "path", target, "format", FormatComplete, "files", len(zr.File))
	return nil
}

func extract(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}
