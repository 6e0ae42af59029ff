// Package query answers natural-language questions about the knowledge
// base. It retrieves candidate nodes by full-text and semantic search,
// packs them into a token-budgeted context, and asks the analyzer
// synchronously. Queries bypass the job queue and never write to the store.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/analyzer"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

const (
	retrievalLimit = 10
	// contextTokenBudget bounds the node context handed to the analyzer,
	// leaving headroom for the question and system prompt.
	contextTokenBudget = 8000
	tokenEncoding      = "cl100k_base"
)

// Embedder matches pkg/embedder; nil disables semantic retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, string, error)
}

// Source is one node the answer drew on.
type Source struct {
	NodeID  string  `json:"nodeId"`
	Project string  `json:"project,omitempty"`
	Summary string  `json:"summary,omitempty"`
	Score   float64 `json:"score"`
}

// Result is the engine's answer envelope.
type Result struct {
	Answer     string   `json:"answer"`
	Summary    string   `json:"summary,omitempty"`
	Confidence float64  `json:"confidence"`
	Sources    []Source `json:"sources,omitempty"`
}

// Engine wires retrieval to the analyzer.
type Engine struct {
	cfg      *config.Config
	logger   *logrus.Entry
	store    *store.Store
	invoker  *analyzer.Invoker
	embedder Embedder

	encoder *tiktoken.Tiktoken
}

// New builds a query engine. The token encoder loads lazily on first use.
func New(cfg *config.Config, logger *logrus.Entry, st *store.Store, inv *analyzer.Invoker, emb Embedder) *Engine {
	return &Engine{cfg: cfg, logger: logger, store: st, invoker: inv, embedder: emb}
}

// Ask answers one question. An empty question is a validation error; a
// question with no matching nodes still gets an answer saying so.
func (e *Engine) Ask(ctx context.Context, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "question must not be empty")
	}

	candidates := e.retrieve(ctx, question)
	contextText, sources := e.packContext(ctx, candidates)

	promptFile, err := e.ensureQueryPrompt()
	if err != nil {
		return nil, err
	}

	instructions := buildInstructions(question, contextText)
	stdout, err := e.invoker.Query(ctx, promptFile, instructions)
	if err != nil {
		return nil, err
	}

	result, err := parseAnswer(stdout)
	if err != nil {
		return nil, err
	}
	result.Sources = sources
	return result, nil
}

// candidate is a retrieval hit before context packing.
type candidate struct {
	nodeID string
	score  float64
}

// retrieve merges full-text and semantic hits, best score wins per node.
func (e *Engine) retrieve(ctx context.Context, question string) []candidate {
	best := make(map[string]float64)

	hits, err := e.store.SearchFTSAny(ctx, question, retrievalLimit)
	if err != nil {
		e.logger.WithError(err).Warn("Full-text retrieval failed")
	}
	for _, h := range hits {
		if h.Score > best[h.ID] {
			best[h.ID] = h.Score
		}
	}

	if e.embedder != nil {
		vec, model, err := e.embedder.Embed(ctx, question)
		if err != nil {
			e.logger.WithError(err).Warn("Question embedding failed, full-text only")
		} else {
			similar, err := e.store.SimilarNodes(ctx, vec, model, retrievalLimit, e.cfg.SemanticSearchThreshold)
			if err != nil {
				e.logger.WithError(err).Warn("Semantic retrieval failed")
			}
			for _, s := range similar {
				if s.Similarity > best[s.NodeID] {
					best[s.NodeID] = s.Similarity
				}
			}
		}
	}

	out := make([]candidate, 0, len(best))
	for id, score := range best {
		out = append(out, candidate{nodeID: id, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].nodeID < out[j].nodeID
	})
	return out
}

// packContext renders candidates into the analyzer context, best first,
// until the token budget runs out.
func (e *Engine) packContext(ctx context.Context, candidates []candidate) (string, []Source) {
	var blocks []string
	var sources []Source
	used := 0

	for _, c := range candidates {
		node, err := e.store.GetNode(ctx, c.nodeID)
		if err != nil {
			continue
		}
		block := renderNode(node)
		cost := e.countTokens(block)
		if used+cost > contextTokenBudget {
			break
		}
		used += cost
		blocks = append(blocks, block)
		sources = append(sources, Source{
			NodeID:  node.ID,
			Project: node.Classification.Project,
			Summary: node.Content.Summary,
			Score:   c.score,
		})
	}
	return strings.Join(blocks, "\n---\n"), sources
}

func renderNode(node *models.Node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %s (project %s, %s, outcome %s)\n",
		node.ID, node.Classification.Project, node.Metadata.Timestamp.Format("2006-01-02"), node.Content.Outcome)
	fmt.Fprintf(&b, "summary: %s\n", node.Content.Summary)
	for _, d := range node.Content.KeyDecisions {
		fmt.Fprintf(&b, "decision: %s\n", d)
	}
	for level, lessons := range node.Lessons {
		for _, l := range lessons {
			fmt.Fprintf(&b, "lesson (%s): %s\n", level, l)
		}
	}
	if len(node.Semantic.Tags) > 0 {
		fmt.Fprintf(&b, "tags: %s\n", strings.Join(node.Semantic.Tags, ", "))
	}
	return b.String()
}

func (e *Engine) countTokens(text string) int {
	if e.encoder == nil {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			// Rough heuristic keeps the budget meaningful offline.
			return len(text) / 4
		}
		e.encoder = enc
	}
	return len(e.encoder.Encode(text, nil, nil))
}

func buildInstructions(question, contextText string) string {
	if contextText == "" {
		contextText = "(no matching knowledge nodes)"
	}
	return fmt.Sprintf(
		"Answer the question using only the knowledge nodes below.\n\n"+
			"Knowledge nodes:\n%s\n\nQuestion: %s\n\n"+
			"Respond with exactly one JSON object: "+
			`{"answer": string, "summary": string, "confidence": number between 0 and 1}`,
		contextText, question)
}

func parseAnswer(stdout []byte) (*Result, error) {
	raw := extractJSON(stdout)
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil || result.Answer == "" {
		return nil, errors.New(errors.ErrCodeSchemaInvalid,
			"query response was not the expected JSON object")
	}
	if result.Confidence < 0 {
		result.Confidence = 0
	}
	if result.Confidence > 1 {
		result.Confidence = 1
	}
	return &result, nil
}

// extractJSON trims any chatter around the outermost JSON object.
func extractJSON(out []byte) []byte {
	start := strings.IndexByte(string(out), '{')
	end := strings.LastIndexByte(string(out), '}')
	if start < 0 || end < start {
		return out
	}
	return out[start : end+1]
}

// defaultQueryPrompt is materialized on first use so operators can edit it
// in place like the analyzer prompt.
const defaultQueryPrompt = `You answer questions about a developer's past coding sessions.
You are given knowledge nodes: analyzed summaries of session segments.
Ground every claim in the provided nodes. If the nodes do not contain
the answer, say so and set confidence low.
`

func (e *Engine) ensureQueryPrompt() (string, error) {
	path := filepath.Join(e.cfg.DataRoot, "prompts", "query.md")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to create prompt directory")
	}
	if err := os.WriteFile(path, []byte(defaultQueryPrompt), 0644); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to write query prompt")
	}
	return path, nil
}
