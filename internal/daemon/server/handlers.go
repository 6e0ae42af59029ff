package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/errors"
	"github.com/grovetools/brain/internal/daemon/bus"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// The endpoint stays cheap; the roundtrip check is CLI/startup territory.
	report := s.deps.Health.Run(r.Context(), false)
	respondOK(w, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, stats)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Queue.Counts(r.Context())
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{
		"state":   "running",
		"version": s.deps.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"queue":   counts,
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.NodeFilter{
		Project: q.Get("project"),
		Type:    q.Get("type"),
		Outcome: q.Get("outcome"),
		Limit:   intParam(q.Get("limit"), 50),
		Offset:  intParam(q.Get("offset"), 0),
	}
	if v := q.Get("needs_review"); v != "" {
		flag := v == "true" || v == "1"
		filter.NeedsReview = &flag
	}

	nodes, err := s.deps.Store.ListNodes(r.Context(), filter)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node, err := s.deps.Store.GetNode(r.Context(), id)
	if err != nil {
		respondFromError(w, err)
		return
	}
	edges, err := s.deps.Store.ListEdges(r.Context(), id)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{"node": node, "edges": edges})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		respondError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput,
			"query parameter q is required", nil)
		return
	}
	limit := intParam(r.URL.Query().Get("limit"), 20)

	hits, err := s.deps.Store.SearchFTS(r.Context(), q, limit)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{"hits": hits, "count": len(hits)})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), 50)
	decisions, err := s.deps.Store.ListDecisions(r.Context(), limit)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{"decisions": decisions})
}

func (s *Server) handleDecisionFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feedback string `json:"feedback"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondFromError(w, err)
		return
	}
	if body.Feedback != "good" && body.Feedback != "bad" {
		respondError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput,
			`feedback must be "good" or "bad"`, nil)
		return
	}
	if err := s.deps.Store.SetDecisionFeedback(r.Context(), chi.URLParam(r, "id"), body.Feedback); err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, nil)
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.deps.Store.ListClusters(r.Context())
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{"clusters": clusters})
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.deps.Store.ListInsights(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{"insights": insights})
}

func (s *Server) handleInsightEffectiveness(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Score float64 `json:"score"`
		Note  string  `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondFromError(w, err)
		return
	}
	obs := models.Effectiveness{Timestamp: time.Now().UTC(), Score: body.Score, Note: body.Note}
	if err := s.deps.Store.AppendInsightEffectiveness(r.Context(), chi.URLParam(r, "id"), obs); err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, nil)
}

func (s *Server) handleInsightPrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Included bool `json:"included"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondFromError(w, err)
		return
	}
	if err := s.deps.Store.SetInsightPromptIncluded(r.Context(), chi.URLParam(r, "id"), body.Included); err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, nil)
}

// handlePatterns groups insights by the views the dashboard reads:
// recurring failures, lessons, and per-model quirks.
func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	failures, err := s.deps.Store.ListInsights(ctx, string(models.InsightFailure))
	if err != nil {
		respondFromError(w, err)
		return
	}
	lessons, err := s.deps.Store.ListInsights(ctx, string(models.InsightLesson))
	if err != nil {
		respondFromError(w, err)
		return
	}
	quirks, err := s.deps.Store.ListInsights(ctx, string(models.InsightQuirk))
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{
		"failures": failures,
		"lessons":  lessons,
		"models":   quirks,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := models.JobState(r.URL.Query().Get("state"))
	limit := intParam(r.URL.Query().Get("limit"), 100)
	jobs, err := s.deps.Queue.List(r.Context(), state, limit)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, nil)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	respondOK(w, redactConfig(s.deps.Config))
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if err := decodeBody(r, &patch); err != nil {
		respondFromError(w, err)
		return
	}

	s.cfgMu.Lock()
	updated, err := s.deps.Config.ApplyUpdate(patch)
	s.cfgMu.Unlock()
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.ErrCodeConfigInvalid, err.Error(), nil)
		return
	}

	if s.deps.ConfigPath != "" {
		if err := updated.Save(s.deps.ConfigPath); err != nil {
			s.logger.WithError(err).Warn("Config updated in memory but not persisted")
		}
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(bus.ChannelDaemon, bus.EventConfigChanged, patch)
	}
	respondOK(w, redactConfig(updated))
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	cfg := s.deps.Config
	respondOK(w, map[string]interface{}{
		"analyzer": map[string]string{
			"binary":     cfg.Analyzer.Binary,
			"provider":   cfg.Analyzer.Provider,
			"model":      cfg.Analyzer.Model,
			"queryModel": cfg.Analyzer.QueryModel,
		},
		"embedding": map[string]string{
			"provider": cfg.Embedding.Provider,
			"model":    cfg.Embedding.Model,
		},
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Question string `json:"question"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondFromError(w, err)
		return
	}
	result, err := s.deps.Query.Ask(r.Context(), body.Question)
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondOK(w, result)
}

// redactConfig strips credentials and renders the config under its YAML
// key names, matching what PATCH accepts.
func redactConfig(cfg *config.Config) map[string]interface{} {
	copied := *cfg
	if copied.Embedding.APIKey != "" {
		copied.Embedding.APIKey = "***"
	}

	data, err := yaml.Marshal(&copied)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func intParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
