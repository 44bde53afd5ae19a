package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestType identifies the type of request in the queue
type RequestType string

const (
	// RequestTypeInput answers the scene's pending input request.
	RequestTypeInput RequestType = "input"

	// RequestTypeAbort cancels every pending input request of the scene.
	RequestTypeAbort RequestType = "abort"
)

// Request is one queued piece of player input for a scene.
type Request struct {
	RequestID string      `json:"request_id"`
	Type      RequestType `json:"type"`
	Scene     string      `json:"scene"`

	// Text is the player's input. InputID targets a specific pending input
	// request; empty answers the oldest.
	Text      string `json:"text,omitempty"`
	InputID   string `json:"input_id,omitempty"`
	Character string `json:"character,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewInput builds an input request with a fresh id.
func NewInput(scene, text string) *Request {
	return &Request{
		RequestID:  uuid.NewString(),
		Type:       RequestTypeInput,
		Scene:      scene,
		Text:       text,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewAbort builds an abort request with a fresh id.
func NewAbort(scene string) *Request {
	return &Request{
		RequestID:  uuid.NewString(),
		Type:       RequestTypeAbort,
		Scene:      scene,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Validate checks that the request can be delivered.
func (r *Request) Validate() error {
	if r.Scene == "" {
		return fmt.Errorf("request %s has no scene", r.RequestID)
	}
	switch r.Type {
	case RequestTypeInput, RequestTypeAbort:
		return nil
	default:
		return fmt.Errorf("unknown request type: %s", r.Type)
	}
}

// ToJSON converts the request to JSON bytes for Redis
func (r *Request) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON parses a request from JSON bytes
func FromJSON(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}
