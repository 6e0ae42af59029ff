// Package models defines the shared data types exchanged between the brain
// daemon's components and its API surface.
package models

import "time"

// Outcome values for an analyzed segment.
const (
	OutcomeSuccess   = "success"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Lesson levels. Lessons are bucketed by the layer they teach about.
const (
	LessonProject  = "project"
	LessonTask     = "task"
	LessonUser     = "user"
	LessonModel    = "model"
	LessonTool     = "tool"
	LessonSkill    = "skill"
	LessonSubagent = "subagent"
)

// Node is the canonical output of one analysis.
type Node struct {
	ID             string         `json:"id"`
	Version        int            `json:"version"`
	Classification Classification `json:"classification"`
	Content        Content        `json:"content"`
	Lessons        Lessons        `json:"lessons"`
	Semantic       Semantic       `json:"semantic"`
	Metadata       Metadata       `json:"metadata"`
	Friction       []Friction     `json:"friction,omitempty"`
}

// Classification describes what kind of work the segment contained.
type Classification struct {
	Type         string   `json:"type"`
	Project      string   `json:"project"`
	Language     string   `json:"language,omitempty"`
	Frameworks   []string `json:"frameworks,omitempty"`
	HadClearGoal bool     `json:"hadClearGoal"`
	IsNewProject bool     `json:"isNewProject"`
}

// Content is the narrative core of the analysis.
type Content struct {
	Summary      string   `json:"summary"`
	Outcome      string   `json:"outcome"`
	KeyDecisions []string `json:"keyDecisions,omitempty"`
	FilesTouched []string `json:"filesTouched,omitempty"`
	ToolsUsed    []string `json:"toolsUsed,omitempty"`
	ErrorsSeen   []string `json:"errorsSeen,omitempty"`
}

// Lessons buckets extracted lessons by level.
type Lessons map[string][]string

// Semantic holds the searchable abstraction of the node.
type Semantic struct {
	Tags           []string  `json:"tags,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embeddingModel,omitempty"`
}

// Metadata records where the node came from.
type Metadata struct {
	Timestamp       time.Time  `json:"timestamp"`
	SessionFile     string     `json:"sessionFile"`
	SegmentBoundary string     `json:"segmentBoundary"`
	PromptVersion   string     `json:"promptVersion"`
	DaemonMeta      DaemonMeta `json:"daemonMeta"`
}

// DaemonMeta is the daemon's own annotations on a node.
type DaemonMeta struct {
	NeedsReview    bool     `json:"needsReview,omitempty"`
	MissingSkills  []string `json:"missingSkills,omitempty"`
	AnalyzedAt     time.Time `json:"analyzedAt"`
	DurationMs     int64    `json:"durationMs,omitempty"`
	TokensUsed     int      `json:"tokensUsed,omitempty"`
	CostUSD        float64  `json:"costUsd,omitempty"`
	SalvagedFields []string `json:"salvagedFields,omitempty"`
}

// Friction is a detected struggle signal inside a segment.
type Friction struct {
	Signal string  `json:"signal"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail,omitempty"`
}
