package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jwebster45206/talemate/internal/export"
	filestorage "github.com/jwebster45206/talemate/internal/storage"
)

type exportFlags struct {
	format      string
	output      string
	reset       bool
	noAssets    bool
	noNodes     bool
	noInfo      bool
	noTemplates bool
}

func exportCmd(a *app) *cobra.Command {
	var f exportFlags
	cmd := &cobra.Command{
		Use:   "export <scene.json>",
		Short: "Package a scene for sharing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExport(cmd.Context(), args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.format, "format", string(export.FormatComplete), "talemate or talemate_complete")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "output file, - for stdout (default <scene>.<ext>)")
	cmd.Flags().BoolVar(&f.reset, "reset", false, "export as if the scene had just started")
	cmd.Flags().BoolVar(&f.noAssets, "no-assets", false, "leave out assets/")
	cmd.Flags().BoolVar(&f.noNodes, "no-nodes", false, "leave out nodes/")
	cmd.Flags().BoolVar(&f.noInfo, "no-info", false, "leave out info/")
	cmd.Flags().BoolVar(&f.noTemplates, "no-templates", false, "leave out templates/")
	return cmd
}

func (a *app) runExport(ctx context.Context, path string, f exportFlags) error {
	store, err := a.storageFor(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	opts := export.Options{
		Format:           export.Format(f.format),
		IncludeAssets:    !f.noAssets,
		IncludeNodes:     !f.noNodes,
		IncludeInfo:      !f.noInfo,
		IncludeTemplates: !f.noTemplates,
		ResetProgress:    f.reset,
	}

	output := f.output
	if output == "" {
		ext := ".zip"
		if opts.Format == export.FormatTalemate {
			ext = ".txt"
		}
		output = filestorage.Slug(s.Name) + ext
	}

	var w io.Writer = a.out
	if output != "-" {
		file, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		defer file.Close()
		w = file
	}

	if err := export.NewExporter(a.logger).Export(ctx, s, opts, w); err != nil {
		if output != "-" {
			os.Remove(output)
		}
		return err
	}
	if output != "-" {
		fmt.Fprintf(a.out, "Exported %s to %s\n", s.Name, output)
	}
	return nil
}

func importSceneCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <export-file>",
		Short: "Unpack an exported scene into the scenes directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runImportScene(args[0], name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "scene name (default from the file name)")
	return cmd
}

func (a *app) runImportScene(path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	slug := filestorage.Slug(name)
	out, err := export.NewExporter(a.logger).Import(data, filepath.Join(a.cfg.ScenesDir, slug), slug)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Imported scene to %s\n", out)
	return nil
}
