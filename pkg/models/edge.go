package models

import (
	"fmt"
	"time"
)

// EdgeKind enumerates how two nodes can relate.
type EdgeKind string

const (
	EdgeSemantic    EdgeKind = "semantic"
	EdgeFileOverlap EdgeKind = "file_overlap"
	EdgeTemporal    EdgeKind = "temporal"
	EdgeCompaction  EdgeKind = "compaction"
	EdgeFork        EdgeKind = "fork"
)

// Edge is a typed directed relation between two nodes. Weight is in [0,1].
// SourceVersion records the node version the edge was derived from, since
// readers may observe a newer node version before newly derived edges land.
type Edge struct {
	SourceNode    string    `json:"sourceNode"`
	TargetNode    string    `json:"targetNode"`
	Kind          EdgeKind  `json:"kind"`
	Weight        float64   `json:"weight"`
	Evidence      string    `json:"evidence,omitempty"`
	SourceVersion int       `json:"sourceVersion,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PromptVersionLabel renders the canonical "v{n}-{hash8}" label.
func PromptVersionLabel(sequence int, contentHash string) string {
	if len(contentHash) > 8 {
		contentHash = contentHash[:8]
	}
	return fmt.Sprintf("v%d-%s", sequence, contentHash)
}

// PromptVersion identifies the analyzer prompt's content by normalized hash.
type PromptVersion struct {
	VersionLabel string    `json:"versionLabel"` // "v{n}-{hash8}"
	Sequence     int       `json:"sequence"`
	ContentHash  string    `json:"contentHash"`
	ArchivedPath string    `json:"archivedPath,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
