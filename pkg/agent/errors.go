package agent

import "errors"

var (
	ErrLLMAccuracy        = errors.New("model response could not be validated")
	ErrUnknownAgentAction = errors.New("unknown agent action")
	ErrSceneInactive      = errors.New("scene is not active")
	ErrDuplicateAgent     = errors.New("agent already registered")
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrInterrupted        = errors.New("interrupted")
	ErrNoClient           = errors.New("agent has no client")
)
