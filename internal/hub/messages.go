package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/filebrowser"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

// Message is one wire frame. Every message in either direction is a tagged
// JSON object; the payload shape depends on the tag.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → daemon tags.
const (
	TypeAuth            = "auth"
	TypePing            = "ping"
	TypeGetSessions     = "get_sessions"
	TypeGetOutput       = "get_output"
	TypeCreateSession   = "create_session"
	TypeKillSession     = "kill_session"
	TypeRestartSession  = "restart_session"
	TypeChangeModel     = "change_model"
	TypeToggleMode      = "toggle_mode"
	TypeSendInput       = "send_input"
	TypeSendCommand     = "send_command"
	TypeSendKey         = "send_key"
	TypeResizeTerminal  = "resize_terminal"
	TypeScroll          = "scroll"
	TypeBrowseDirectory = "browse_directory"
	TypeBrowseFiles     = "browse_files"
	TypeReadFile        = "read_file"
	TypeWriteFile       = "write_file"
	TypeCreateFile      = "create_file"
	TypeCreateDirectory = "create_directory"
	TypeRenameFile      = "rename_file"
	TypeDeleteFile      = "delete_file"
	TypePushSubscribe   = "push_subscribe"
	TypePushUnsubscribe = "push_unsubscribe"
)

// Daemon → client tags.
const (
	TypeAuthResult        = "auth_result"
	TypePong              = "pong"
	TypeError             = "error"
	TypeCapabilities      = "capabilities"
	TypeSessionsList      = "sessions_list"
	TypeSessionCreated    = "session_created"
	TypeSessionUpdated    = "session_updated"
	TypeSessionKilled     = "session_killed"
	TypeInputRequired     = "input_required"
	TypeOutputUpdate      = "output_update"
	TypeContextLimit      = "context_limit"
	TypeDirectoryListing  = "directory_listing"
	TypeScrollbackContent = "scrollback_content"
	TypeBrowseFilesResult = "browse_files_result"
	TypeFileReadResult    = "file_read_result"
	TypeFileWriteResult   = "file_write_result"
	TypeFileCreateResult  = "file_create_result"
	TypeDirCreateResult   = "directory_create_result"
	TypeFileRenameResult  = "file_rename_result"
	TypeFileDeleteResult  = "file_delete_result"
	TypePushResult        = "push_result"
)

// Client → daemon payloads.

type AuthPayload struct {
	Token string `json:"token"`
}

type GetOutputPayload struct {
	SessionID string `json:"sessionId"`
	Lines     int    `json:"lines,omitempty"`
}

type CreateSessionPayload struct {
	ProjectPath string `json:"projectPath"`
	Model       string `json:"model,omitempty"`
	PlanMode    bool   `json:"planMode,omitempty"`
	AutoAccept  bool   `json:"autoAccept,omitempty"`
	SessionType string `json:"sessionType,omitempty"`
}

type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type RestartSessionPayload struct {
	SessionID   string `json:"sessionId"`
	WithSummary bool   `json:"withSummary"`
	Model       string `json:"model,omitempty"`
}

type ChangeModelPayload struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
}

type ToggleModePayload struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"` // plan | autoAccept
	Enabled   bool   `json:"enabled"`
}

type SendInputPayload struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type SendCommandPayload struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}

type SendKeyPayload struct {
	SessionID string `json:"sessionId"`
	Key       string `json:"key"`
}

type ResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type BrowseDirectoryPayload struct {
	Path string `json:"path"`
}

type FilePayload struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	NewPath   string `json:"newPath,omitempty"`
}

type PushSubscribePayload struct {
	Subscription json.RawMessage `json:"subscription"`
}

type PushUnsubscribePayload struct {
	Endpoint string `json:"endpoint"`
}

// Daemon → client payloads.

type AuthResultPayload struct {
	Success bool `json:"success"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type CapabilitiesPayload struct {
	Models   []string `json:"models"`
	Modes    []string `json:"modes"`
	Commands []string `json:"commands"`
}

type SessionsListPayload struct {
	Sessions []session.Info `json:"sessions"`
}

type SessionPayload struct {
	Session session.Info `json:"session"`
}

type SessionKilledPayload struct {
	SessionID string `json:"sessionId"`
}

type InputRequiredPayload struct {
	SessionID string    `json:"sessionId"`
	InputType string    `json:"inputType"`
	Context   string    `json:"context"`
	Question  string    `json:"question"`
	Options   []string  `json:"options,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutputUpdatePayload carries the post-processed screen (trailing cursor
// escape included), base64-encoded so escape bytes survive JSON transport.
type OutputUpdatePayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

type ContextLimitPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type DirectoryListingPayload struct {
	Path        string   `json:"path"`
	Directories []string `json:"directories"`
	Error       string   `json:"error,omitempty"`
}

type ScrollbackPayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"` // base64
}

// FileResultPayload is shared by every file CRUD reply.
type FileResultPayload struct {
	Success bool                `json:"success"`
	Path    string              `json:"path,omitempty"`
	Content string              `json:"content,omitempty"`
	Entries []filebrowser.Entry `json:"entries,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type PushResultPayload struct {
	Success bool `json:"success"`
}

// Encode wraps a payload in a tagged frame.
func Encode(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		raw = data
	}
	data, err := json.Marshal(Message{Type: typ, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return data, nil
}

// Decode parses one frame.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}
