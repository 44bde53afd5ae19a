package agent

import (
	"context"
	"fmt"

	"github.com/jwebster45206/talemate/pkg/scene"
)

// Scope is the active-scene context of one scene loop. Agent operations
// running under it are serialized unless a caller opts into parallelism.
type Scope struct {
	scene  *scene.Scene
	ctx    context.Context
	cancel context.CancelCauseFunc
	sem    chan struct{}
}

type scopeKey struct{}
type heldKey struct{}

// NewScope binds s as the active scene and returns the scope context.
func NewScope(parent context.Context, s *scene.Scene) (*Scope, context.Context) {
	ctx, cancel := context.WithCancelCause(scene.WithActive(parent, s))
	sc := &Scope{scene: s, cancel: cancel, sem: make(chan struct{}, 1)}
	ctx = context.WithValue(ctx, scopeKey{}, sc)
	sc.ctx = ctx
	return sc, ctx
}

// FromContext returns the scope carried by ctx.
func FromContext(ctx context.Context) (*Scope, bool) {
	sc, ok := ctx.Value(scopeKey{}).(*Scope)
	return sc, ok && sc != nil
}

// ActiveScene returns the scene of the scope carried by ctx.
func ActiveScene(ctx context.Context) (*scene.Scene, error) {
	if s, ok := scene.Active(ctx); ok {
		return s, nil
	}
	return nil, ErrSceneInactive
}

// Scene returns the scope's scene.
func (sc *Scope) Scene() *scene.Scene { return sc.scene }

// Context returns the scope context.
func (sc *Scope) Context() context.Context { return sc.ctx }

// Interrupt cancels every operation running under the scope.
func (sc *Scope) Interrupt() {
	sc.cancel(ErrInterrupted)
}

// Close releases the scope.
func (sc *Scope) Close() {
	sc.cancel(context.Canceled)
}

// Err reports why the scope stopped, or nil while it is live.
func (sc *Scope) Err() error {
	if sc.ctx.Err() == nil {
		return nil
	}
	return context.Cause(sc.ctx)
}

// acquire takes the scope's operation slot unless ctx already holds it.
func (sc *Scope) acquire(ctx context.Context) (context.Context, func(), error) {
	if held, _ := ctx.Value(heldKey{}).(*Scope); held == sc {
		return ctx, func() {}, nil
	}
	select {
	case sc.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, nil, fmt.Errorf("failed waiting for scene: %w", Cause(ctx))
	}
	return context.WithValue(ctx, heldKey{}, sc), func() { <-sc.sem }, nil
}

// Parallel marks ctx as holding the scope slot so sub-operations started
// from it do not wait for each other.
func Parallel(ctx context.Context) context.Context {
	if sc, ok := FromContext(ctx); ok {
		return context.WithValue(ctx, heldKey{}, sc)
	}
	return ctx
}

// Cause returns the reason ctx was cancelled.
func Cause(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return ctx.Err()
}
