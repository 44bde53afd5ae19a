package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jwebster45206/talemate/pkg/agent"
	"github.com/jwebster45206/talemate/pkg/nodes"
	"github.com/jwebster45206/talemate/pkg/nodes/core"
	"github.com/jwebster45206/talemate/pkg/scene"
	"github.com/jwebster45206/talemate/pkg/script"
	"github.com/jwebster45206/talemate/pkg/worldstate"
)

type runOptions struct {
	graph   string
	save    bool
	verbose bool
}

func runCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <scene.json>",
		Short: "Run a scene's game script or one of its node graphs without a client",
		Long: `Runs game.yaml next to the scene, or the graph named by --graph, against
the loaded scene and prints the resulting game state. Steps that need an
agent fail, since no client is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runScene(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.graph, "graph", "", "graph file, or the name of a graph in the scene's nodes/ directory")
	cmd.Flags().BoolVar(&opts.save, "save", false, "save the scene after the run")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every node run")
	return cmd
}

func (a *app) runScene(ctx context.Context, path string, opts runOptions) error {
	store, err := a.storageFor(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Load(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	scope, ctx := agent.NewScope(ctx, s)
	defer scope.Close()

	what := "game.yaml"
	if opts.graph != "" {
		what = opts.graph
		err = a.runGraph(ctx, s, opts)
	} else {
		err = a.runScript(ctx, s)
	}
	if err != nil {
		return fmt.Errorf("failed to run %s on %s: %w", what, s.Name, err)
	}

	if opts.save {
		if err := store.Save(ctx, s); err != nil {
			return fmt.Errorf("failed to save %s: %w", s.Name, err)
		}
	}

	state, err := json.MarshalIndent(s.GameState(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode game state: %w", err)
	}
	fmt.Fprintf(a.out, "Ran %s on %s.\n%s\n", what, s.Name, state)
	return nil
}

func (a *app) runScript(ctx context.Context, s *scene.Scene) error {
	if s.SaveDir == "" {
		return errors.New("scene has no save directory")
	}
	runner := script.ForScene(s.SaveDir, a.cfg.DevMode, a.logger)
	sc := &script.GameInstructionScope{
		WorldState: worldstate.NewManager(s, nil, a.logger),
		Logger:     a.logger,
	}
	return runner.Run(ctx, sc)
}

func (a *app) runGraph(ctx context.Context, s *scene.Scene, opts runOptions) error {
	reg := nodes.NewRegistry()
	if err := core.Register(reg, core.Deps{}); err != nil {
		return err
	}
	graphPath := opts.graph
	if s.SaveDir != "" {
		dir := filepath.Join(s.SaveDir, "nodes")
		if _, err := nodes.LoadDir(dir, reg, a.logger); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if _, err := os.Stat(graphPath); errors.Is(err, fs.ErrNotExist) {
			graphPath = filepath.Join(dir, strings.TrimSuffix(graphPath, ".json")+".json")
		}
	}

	g, err := nodes.LoadFile(graphPath, reg)
	if err != nil {
		return err
	}
	st := nodes.NewGraphState(a.logger)
	st.MaxIterations = a.cfg.MaxLoopIterations
	if opts.verbose {
		st.Verbosity = nodes.VerbosityVerbose
	}
	return g.Execute(ctx, st)
}
