package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func forkCmd(a *app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "fork <scene.json> <message-id>",
		Short: "Save a copy of a scene truncated after a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q: %w", args[1], err)
			}
			return a.runFork(cmd.Context(), args[0], id, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the fork (default <scene>-fork-<id>)")
	return cmd
}

func (a *app) runFork(ctx context.Context, path string, messageID uint64, name string) error {
	store, err := a.storageFor(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	if s.Index(messageID) < 0 {
		return fmt.Errorf("message %d is not in the history of %s", messageID, s.Name)
	}
	out, err := store.Fork(ctx, s, messageID, name)
	if err != nil {
		return fmt.Errorf("failed to fork %s: %w", s.Name, err)
	}
	fmt.Fprintf(a.out, "Forked %s at message %d: %s\n", s.Name, messageID, out)
	return nil
}
