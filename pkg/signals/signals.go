package signals

import (
	"errors"
	"strings"
)

// Signal names an event emitted on the scene bus.
type Signal string

const (
	System                 Signal = "system"
	Narrator               Signal = "narrator"
	Character              Signal = "character"
	Player                 Signal = "player"
	Director               Signal = "director"
	Time                   Signal = "time"
	Reinforcement          Signal = "reinforcement"
	Status                 Signal = "status"
	RequestInput           Signal = "request_input"
	ReceiveInput           Signal = "receive_input"
	RemoveMessage          Signal = "remove_message"
	SceneStatus            Signal = "scene_status"
	ClearScreen            Signal = "clear_screen"
	MessageEdited          Signal = "message_edited"
	ImageGenerated         Signal = "image_generated"
	ImageGenerationFailed  Signal = "image_generation_failed"
	AutocompleteSuggestion Signal = "autocomplete_suggestion"
	MemoryRequest          Signal = "memory_request"
	WorldState             Signal = "world_state"
	ArchivedHistory        Signal = "archived_history"
	ClientStatus           Signal = "client_status"
	ClientBootstraps       Signal = "client_bootstraps"
	PromptSent             Signal = "prompt_sent"
	AudioQueue             Signal = "audio_queue"
	ConfigSaved            Signal = "config_saved"
	TalemateStarted        Signal = "talemate_started"
	SpiceApplied           Signal = "spice_applied"
	CommandStatus          Signal = "command_status"
	AgentStatus            Signal = "agent_status"
	RequestClientStatus    Signal = "request_client_status"
	RequestAgentStatus     Signal = "request_agent_status"
)

// regeneratedPrefix marks the per-type signals emitted after a regeneration.
const regeneratedPrefix = "regenerate.msg."

var known = map[Signal]struct{}{
	System: {}, Narrator: {}, Character: {}, Player: {}, Director: {}, Time: {},
	Reinforcement: {}, Status: {}, RequestInput: {}, ReceiveInput: {}, RemoveMessage: {},
	SceneStatus: {}, ClearScreen: {}, MessageEdited: {}, ImageGenerated: {},
	ImageGenerationFailed: {}, AutocompleteSuggestion: {}, MemoryRequest: {},
	WorldState: {}, ArchivedHistory: {}, ClientStatus: {}, ClientBootstraps: {},
	PromptSent: {}, AudioQueue: {}, ConfigSaved: {}, TalemateStarted: {},
	SpiceApplied: {}, CommandStatus: {}, AgentStatus: {}, RequestClientStatus: {},
	RequestAgentStatus: {},
}

// Regenerated returns the signal emitted for a regenerated message of the given type.
func Regenerated(typ string) Signal {
	return Signal(regeneratedPrefix + typ)
}

// Valid reports whether s is part of the closed signal set.
func (s Signal) Valid() bool {
	if _, ok := known[s]; ok {
		return true
	}
	return strings.HasPrefix(string(s), regeneratedPrefix) && len(s) > len(regeneratedPrefix)
}

// Status values carried by status events.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusWarning = "warning"
	StatusInfo    = "info"
	StatusBusy    = "busy"

	// StatusIdle is only used by agent_status and client_status.
	StatusIdle = "idle"
)

// ErrAbortCommand unwinds a pending WaitForInput.
var ErrAbortCommand = errors.New("abort command")

// Event is the payload carried by every emission.
// Consumers filter by Typ.
type Event struct {
	Typ           Signal         `json:"typ"`
	Message       string         `json:"message,omitempty"`
	MessageObject any            `json:"-"`
	Character     string         `json:"character,omitempty"`
	Scene         string         `json:"scene,omitempty"`
	Status        string         `json:"status,omitempty"`
	ID            uint64         `json:"id,omitempty"`
	Details       string         `json:"details,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}
