package models

import "time"

// InsightType enumerates aggregated signal kinds.
type InsightType string

const (
	InsightQuirk     InsightType = "quirk"
	InsightToolError InsightType = "tool_error"
	InsightFailure   InsightType = "failure"
	InsightWin       InsightType = "win"
	InsightLesson    InsightType = "lesson"
)

// Insight is an aggregated pattern derived across many nodes. When
// PromptIncluded is set, the insight's prompt text is injected into the
// analyzer skill context (never into unrelated user sessions).
type Insight struct {
	ID             string          `json:"id"`
	Type           InsightType     `json:"type"`
	Model          string          `json:"model,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	Pattern        string          `json:"pattern"`
	Frequency      int             `json:"frequency"`
	Confidence     float64         `json:"confidence"`
	Severity       string          `json:"severity,omitempty"`
	Examples       []string        `json:"examples,omitempty"` // node ids
	PromptText     string          `json:"promptText,omitempty"`
	PromptIncluded bool            `json:"promptIncluded"`
	Effectiveness  []Effectiveness `json:"effectivenessHistory,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Effectiveness is one observation of how an injected insight performed.
type Effectiveness struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	Note      string    `json:"note,omitempty"`
}

// Decision is one entry of the daemon's decision audit trail.
type Decision struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Decision      string    `json:"decision"`
	Reasoning     string    `json:"reasoning,omitempty"`
	SourceProject string    `json:"sourceProject,omitempty"`
	UserFeedback  string    `json:"userFeedback,omitempty"` // "good", "bad", or empty
}

// Cluster groups nodes by embedding similarity.
type Cluster struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	NodeIDs   []string  `json:"nodeIds"`
	Centroid  []float32 `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
