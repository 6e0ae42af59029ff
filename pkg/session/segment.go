package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// BoundaryStart labels the segment that opens at the session header.
const BoundaryStart = "start"

// Segment is a contiguous slice of the session's linear history. Boundary
// identifies where the segment opens: BoundaryStart, or the id of the
// boundary entry that closed the previous segment. A closing boundary entry
// belongs to the segment it closes (as its tail) and to the next segment
// (as initial context), so adjacent segments share exactly that one entry.
type Segment struct {
	Boundary string
	Entries  []Entry
}

// Stats summarizes a segment for the minimum-size check.
type Stats struct {
	Entries        int
	UserMessages   int
	AssistantMsgs  int
	EstimatedToken int
}

// Segments splits the session at boundary entries. The tail segment is
// always present (possibly empty of messages) and runs to the current end
// of file.
func Segments(s *Session) []Segment {
	var out []Segment
	current := Segment{Boundary: BoundaryStart}

	for _, e := range s.Entries {
		current.Entries = append(current.Entries, e)
		if e.IsBoundary() {
			out = append(out, current)
			// The boundary entry opens the next segment as context.
			current = Segment{Boundary: e.ID, Entries: []Entry{e}}
		}
	}

	out = append(out, current)
	return out
}

// Tail returns the final (open) segment of the session.
func Tail(s *Session) Segment {
	segs := Segments(s)
	return segs[len(segs)-1]
}

// Stats computes the size measures used by the readiness check. Token count
// is a rough character heuristic (4 chars per token).
func (seg Segment) Stats() Stats {
	var st Stats
	chars := 0
	for _, e := range seg.Entries {
		st.Entries++
		chars += len(e.Content)
		if e.IsMessage() {
			switch e.Role {
			case RoleUser:
				st.UserMessages++
			case RoleAssistant:
				st.AssistantMsgs++
			}
		}
	}
	st.EstimatedToken = chars / 4
	return st
}

// WorthAnalyzing applies the minimum-size gate: at least 3 entries, at
// least one user and one assistant message, and roughly 100 tokens.
func (seg Segment) WorthAnalyzing() bool {
	st := seg.Stats()
	return st.Entries >= 3 && st.UserMessages >= 1 && st.AssistantMsgs >= 1 && st.EstimatedToken >= 100
}

// NodeID derives the stable 16-hex node identifier for a segment. It is a
// pure function of the session file path and the segment boundary, so
// reanalysis of the same segment always lands on the same node.
func NodeID(sessionFile, boundary string) string {
	h := sha256.Sum256([]byte(sessionFile + "\x00" + boundary))
	return hex.EncodeToString(h[:])[:16]
}
