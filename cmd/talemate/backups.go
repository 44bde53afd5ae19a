package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func backupsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List or prune the automatic backups of a scene",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <scene.json>",
		Short: "List backups, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBackupsList(cmd.Context(), args[0])
		},
	})

	var keep int
	prune := &cobra.Command{
		Use:   "prune <scene.json>",
		Short: "Delete all but the newest backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("keep") {
				keep = a.cfg.MaxBackups
			}
			return a.runBackupsPrune(cmd.Context(), args[0], keep)
		},
	}
	prune.Flags().IntVar(&keep, "keep", 0, "number of backups to keep (default max_backups)")
	cmd.AddCommand(prune)
	return cmd
}

func (a *app) runBackupsList(ctx context.Context, path string) error {
	store, err := a.storageFor(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	backups, err := store.Backups(ctx, s)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Fprintf(a.out, "No backups for %s.\n", s.Name)
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODIFIED\tSIZE\tPATH")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", b.ModTime.Local().Format(time.DateTime), b.Size, b.Path)
	}
	return tw.Flush()
}

func (a *app) runBackupsPrune(ctx context.Context, path string, keep int) error {
	if keep < 0 {
		return fmt.Errorf("keep must not be negative: %d", keep)
	}
	store, err := a.storageFor(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	n, err := store.PruneBackups(ctx, s, keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Removed %d backups of %s, kept %d.\n", n, s.Name, keep)
	return nil
}
