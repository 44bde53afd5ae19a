package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jwebster45206/talemate/internal/services/queue"
	filestorage "github.com/jwebster45206/talemate/internal/storage"
	queuePkg "github.com/jwebster45206/talemate/pkg/queue"
)

type enqueueFlags struct {
	abort     bool
	inputID   string
	character string
}

func enqueueCmd(a *app) *cobra.Command {
	var f enqueueFlags
	cmd := &cobra.Command{
		Use:   "enqueue <scene> [text...]",
		Short: "Queue player input for a running scene",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEnqueue(cmd.Context(), args[0], strings.Join(args[1:], " "), f)
		},
	}
	cmd.Flags().BoolVar(&f.abort, "abort", false, "cancel the scene's pending input requests instead")
	cmd.Flags().StringVar(&f.inputID, "input-id", "", "answer a specific pending input request")
	cmd.Flags().StringVar(&f.character, "character", "", "character the input is spoken as")
	return cmd
}

func (a *app) runEnqueue(ctx context.Context, sceneName, text string, f enqueueFlags) error {
	if !f.abort && text == "" {
		return errors.New("input text is required unless --abort is set")
	}
	client, err := queue.NewClient(ctx, a.cfg.RedisURL, a.logger)
	if err != nil {
		return err
	}
	defer client.Close()
	q := queue.NewInputQueue(client, a.logger)

	scene := filestorage.Slug(sceneName)
	var req *queuePkg.Request
	if f.abort {
		req = queuePkg.NewAbort(scene)
	} else {
		req = queuePkg.NewInput(scene, text)
		req.InputID = f.inputID
		req.Character = f.character
	}
	if err := q.Enqueue(ctx, req); err != nil {
		return err
	}

	depth, err := q.Depth(ctx, scene)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Enqueued %s request %s for %s (queue depth %d)\n", req.Type, req.RequestID, scene, depth)
	return nil
}
