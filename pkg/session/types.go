// Package session models the coding agent's append-only session files and
// splits them into analyzable segments.
package session

import (
	"encoding/json"
	"time"
)

// Entry type constants. The parser tolerates unknown types by keeping the
// entry with its raw payload and otherwise ignoring it.
const (
	TypeSession             = "session"
	TypeMessage             = "message"
	TypeCompaction          = "compaction"
	TypeBranchSummary       = "branch_summary"
	TypeModelChange         = "model_change"
	TypeThinkingLevelChange = "thinking_level_change"
	TypeCustom              = "custom"
	TypeCustomMessage       = "custom_message"
	TypeLabel               = "label"
	TypeSessionInfo         = "session_info"
)

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "toolResult"
)

// Header is the first record of a session file.
type Header struct {
	Type          string    `json:"type"`
	Version       int       `json:"version"`
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Cwd           string    `json:"cwd"`
	ParentSession string    `json:"parentSession,omitempty"`
}

// Entry is one record after the header. ParentID links entries into a tree;
// the file order is the linear history.
type Entry struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId"`
	Timestamp time.Time `json:"timestamp"`

	// Message payload (type == "message").
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// Raw carries the full original line so unknown payload fields survive
	// round-trips to the analyzer.
	Raw json.RawMessage `json:"-"`
}

// IsBoundary reports whether the entry delimits analysis segments.
func (e *Entry) IsBoundary() bool {
	return e.Type == TypeCompaction || e.Type == TypeBranchSummary
}

// IsMessage reports whether the entry is a conversational message.
func (e *Entry) IsMessage() bool {
	return e.Type == TypeMessage
}

// Session is one parsed session file.
type Session struct {
	Path    string
	Header  Header
	Entries []Entry
}

// LastTimestamp returns the newest entry timestamp, or the header timestamp
// for an empty session.
func (s *Session) LastTimestamp() time.Time {
	if len(s.Entries) == 0 {
		return s.Header.Timestamp
	}
	return s.Entries[len(s.Entries)-1].Timestamp
}
