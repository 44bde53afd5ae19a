package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jwebster45206/talemate/pkg/charcard"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

func importCardCmd(a *app) *cobra.Command {
	opts := charcard.DefaultOptions
	var noMeta bool
	cmd := &cobra.Command{
		Use:   "import-card <scene.json> <card.png|card.json>",
		Short: "Add a character card and its character book to a scene",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ImportMeta = !noMeta
			return a.runImportCard(cmd.Context(), args[0], args[1], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.AsPlayer, "as-player", false, "import the character as the player character")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "replace existing character book entries")
	cmd.Flags().BoolVar(&noMeta, "no-meta", false, "skip character book metadata and include disabled entries")
	return cmd
}

func (a *app) runImportCard(ctx context.Context, path, cardPath string, opts charcard.Options) error {
	store, err := a.storageFor(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	ws := worldstate.NewManager(s, nil, a.logger)
	res, err := charcard.NewImporter(s, ws, a.logger).ImportFile(ctx, cardPath, opts)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, s); err != nil {
		return fmt.Errorf("failed to save %s: %w", s.Name, err)
	}
	fmt.Fprintf(a.out, "Imported %s into %s (%d character book entries)\n", res.Character, s.Name, res.Entries)
	return nil
}
