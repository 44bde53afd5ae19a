package signals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Receiver handles an emitted event. A returned error is logged and does not
// stop delivery to the remaining receivers.
type Receiver func(ctx context.Context, ev Event) error

type subscription struct {
	seq    uint64
	signal Signal // empty matches every signal
	fn     Receiver
}

type inputResult struct {
	text string
	err  error
}

type waiter struct {
	id string
	ch chan inputResult
}

// Bus dispatches events synchronously to receivers in registration order.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextSeq uint64
	waiters []waiter
	logger  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Connect registers fn for sig and returns a function that removes it.
func (b *Bus) Connect(sig Signal, fn Receiver) func() {
	return b.connect(sig, fn)
}

// ConnectAll registers fn for every signal.
func (b *Bus) ConnectAll(fn Receiver) func() {
	return b.connect("", fn)
}

func (b *Bus) connect(sig Signal, fn Receiver) func() {
	b.mu.Lock()
	b.nextSeq++
	seq := b.nextSeq
	b.subs = append(b.subs, subscription{seq: seq, signal: sig, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.seq == seq {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev to every matching receiver, then resolves any pending
// WaitForInput when ev is a receive_input event.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if !ev.Typ.Valid() {
		b.logger.Warn("Emitting unknown signal", "signal", ev.Typ)
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.signal == "" || s.signal == ev.Typ {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(ctx, s, ev)
	}

	if ev.Typ == ReceiveInput {
		b.resolveInput(ev)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Signal receiver panicked", "signal", ev.Typ, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.fn(ctx, ev); err != nil {
		b.logger.Error("Signal receiver failed", "signal", ev.Typ, "error", err)
	}
}

// Status emits a status event. error_action, when non-empty, is attached to
// data as a suggested remediation.
func (b *Bus) Status(ctx context.Context, status, message string, data map[string]any) {
	b.Emit(ctx, Event{Typ: Status, Status: status, Message: message, Data: data})
}

// InputRequest describes what the scene loop is waiting for.
type InputRequest struct {
	ID        string
	Prompt    string
	Character string
	Data      map[string]any
}

// WaitForInput emits request_input and blocks until a matching receive_input
// arrives, the bus is aborted, or ctx is done.
func (b *Bus) WaitForInput(ctx context.Context, req InputRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ch := make(chan inputResult, 1)

	b.mu.Lock()
	b.waiters = append(b.waiters, waiter{id: req.ID, ch: ch})
	b.mu.Unlock()
	defer b.removeWaiter(req.ID)

	data := map[string]any{"request_id": req.ID}
	for k, v := range req.Data {
		data[k] = v
	}
	b.Emit(ctx, Event{Typ: RequestInput, Message: req.Prompt, Character: req.Character, Data: data})

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendInput answers a pending WaitForInput. An empty requestID answers the
// oldest waiter.
func (b *Bus) SendInput(ctx context.Context, text, requestID string) {
	data := map[string]any{}
	if requestID != "" {
		data["request_id"] = requestID
	}
	b.Emit(ctx, Event{Typ: ReceiveInput, Message: text, Data: data})
}

// Abort resolves every pending WaitForInput with ErrAbortCommand.
func (b *Bus) Abort(ctx context.Context) {
	b.Emit(ctx, Event{Typ: ReceiveInput, Data: map[string]any{"abort": true}})
}

func (b *Bus) resolveInput(ev Event) {
	abort, _ := ev.Data["abort"].(bool)
	requestID, _ := ev.Data["request_id"].(string)

	b.mu.Lock()
	defer b.mu.Unlock()

	if abort {
		for _, w := range b.waiters {
			w.ch <- inputResult{err: ErrAbortCommand}
		}
		b.waiters = nil
		return
	}

	for i, w := range b.waiters {
		if requestID == "" || w.id == requestID {
			w.ch <- inputResult{text: ev.Message}
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
	b.logger.Debug("Input received with no pending request", "request_id", requestID)
}

func (b *Bus) removeWaiter(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w.id == id {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}
