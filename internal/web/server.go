// Package web provides the HTTP bridge the Figma plugin talks to. It
// exposes layout-ready issues, serves their layout payloads, and
// accepts layout completion callbacks.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/bottlenote/magpress/stages"
	"github.com/bottlenote/magpress/workflow"
)

// LayoutCompleteFunc is invoked after a layout completion is accepted,
// so the pipeline can run the final output stage.
type LayoutCompleteFunc func(issueID int64)

// Server is the layout bridge HTTP server.
type Server struct {
	store    workflow.Store
	engine   *workflow.Engine
	markdown goldmark.Markdown
	logger   *slog.Logger
	server   *http.Server

	onLayoutComplete LayoutCompleteFunc
}

// NewServer creates a bridge server. onLayoutComplete may be nil.
func NewServer(store workflow.Store, engine *workflow.Engine, logger *slog.Logger, onLayoutComplete LayoutCompleteFunc) *Server {
	return &Server{
		store:            store,
		engine:           engine,
		markdown:         goldmark.New(),
		logger:           logger,
		onLayoutComplete: onLayoutComplete,
	}
}

// Handler returns the bridge's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/issues", s.apiGetLayoutIssues)
	mux.HandleFunc("GET /api/issues/{id}/layout", s.apiGetLayout)
	mux.HandleFunc("POST /api/issues/{id}/complete", s.apiCompleteLayout)
	return s.withLogging(s.withCORS(mux))
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting layout bridge server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type layoutIssue struct {
	ID          int64          `json:"id"`
	IssueNumber int            `json:"issueNumber"`
	Stage       workflow.Stage `json:"stage"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// apiGetLayoutIssues lists issues currently waiting for layout, newest
// first.
func (s *Server) apiGetLayoutIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.GetIssuesByStage(workflow.StageFigmaLayout)
	if err != nil {
		s.logger.Error("Failed to list layout issues", "error", err)
		s.jsonError(w, "Failed to get issues", http.StatusInternalServerError)
		return
	}

	response := make([]layoutIssue, 0, len(issues))
	for _, issue := range issues {
		response = append(response, layoutIssue{
			ID:          issue.ID,
			IssueNumber: issue.IssueNumber,
			Stage:       issue.Stage,
			CreatedAt:   issue.CreatedAt,
		})
	}
	s.jsonResponse(w, response)
}

type layoutCard struct {
	Type     string `json:"type"`
	Heading  string `json:"heading"`
	Body     string `json:"body"`
	BodyHTML string `json:"bodyHtml"`
	ImageRef string `json:"imageRef,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type layoutResponse struct {
	IssueNumber int          `json:"issueNumber"`
	Topic       layoutTopic  `json:"topic"`
	Cards       []layoutCard `json:"cards"`
	ThreadURL   string       `json:"threadUrl,omitempty"`
}

type layoutTopic struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
}

// apiGetLayout serves the layout payload for one issue: the topic, the
// approved cards with their bodies rendered to HTML, and any collected
// image URLs.
func (s *Server) apiGetLayout(w http.ResponseWriter, r *http.Request) {
	issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}

	contentData, err := s.store.GetStageData(issue.ID, workflow.StageContentWriting)
	if err != nil {
		s.logger.Error("Failed to load content data", "issue", issue.ID, "error", err)
		s.jsonError(w, "Failed to get content data", http.StatusInternalServerError)
		return
	}
	if contentData == nil {
		s.jsonError(w, "Content data not found", http.StatusNotFound)
		return
	}
	content, err := stages.DecodeContent(contentData)
	if err != nil {
		s.logger.Error("Failed to parse content data", "issue", issue.ID, "error", err)
		s.jsonError(w, "Invalid content data", http.StatusInternalServerError)
		return
	}

	imageMapping := map[int]string{}
	if layoutData, err := s.store.GetStageData(issue.ID, workflow.StageFigmaLayout); err == nil && layoutData != nil {
		if layout, err := stages.DecodeLayout(layoutData); err == nil {
			imageMapping = layout.ImageMapping
		}
	}

	cards := make([]layoutCard, 0, len(content.Cards))
	for i, card := range content.Cards {
		cards = append(cards, layoutCard{
			Type:     card.Type,
			Heading:  card.Heading,
			Body:     card.Body,
			BodyHTML: s.renderMarkdown(card.Body),
			ImageRef: card.ImageRef,
			ImageURL: imageMapping[i],
		})
	}

	s.jsonResponse(w, layoutResponse{
		IssueNumber: issue.IssueNumber,
		Topic:       layoutTopic{Title: content.Topic.Title, Subtitle: content.Topic.Subtitle},
		Cards:       cards,
		ThreadURL:   issue.ThreadURL,
	})
}

// apiCompleteLayout approves the layout snapshot, advances the issue to
// final output, and fires the completion callback.
func (s *Server) apiCompleteLayout(w http.ResponseWriter, r *http.Request) {
	issue, ok := s.issueFromPath(w, r)
	if !ok {
		return
	}
	if issue.Stage != workflow.StageFigmaLayout {
		s.jsonError(w, "Issue is not at the figma layout stage", http.StatusBadRequest)
		return
	}

	layoutData, err := s.store.GetStageData(issue.ID, workflow.StageFigmaLayout)
	if err != nil {
		s.logger.Error("Failed to load layout data", "issue", issue.ID, "error", err)
		s.jsonError(w, "Failed to get layout data", http.StatusInternalServerError)
		return
	}
	if layoutData != nil {
		if err := s.store.ApproveStageData(layoutData.ID); err != nil {
			s.logger.Error("Failed to approve layout data", "issue", issue.ID, "error", err)
			s.jsonError(w, "Failed to approve layout data", http.StatusInternalServerError)
			return
		}
	}

	if _, err := s.engine.AdvanceStage(r.Context(), issue.ID); err != nil {
		s.logger.Error("Failed to advance stage", "issue", issue.ID, "error", err)
		s.jsonError(w, "Failed to advance stage", http.StatusInternalServerError)
		return
	}

	if s.onLayoutComplete != nil {
		s.onLayoutComplete(issue.ID)
	}

	s.jsonResponse(w, map[string]bool{"success": true})
}

// issueFromPath loads the issue named by the {id} path value, writing
// the error response itself when the ID is bad or unknown.
func (s *Server) issueFromPath(w http.ResponseWriter, r *http.Request) (*workflow.Issue, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.jsonError(w, "Invalid issue ID", http.StatusBadRequest)
		return nil, false
	}

	issue, err := s.store.GetIssue(id)
	if err != nil {
		s.logger.Error("Failed to load issue", "issue", id, "error", err)
		s.jsonError(w, "Failed to get issue", http.StatusInternalServerError)
		return nil, false
	}
	if issue == nil {
		s.jsonError(w, "Issue not found", http.StatusNotFound)
		return nil, false
	}
	return issue, true
}

// renderMarkdown converts card body markdown to HTML. On failure the
// raw text is returned so the plugin still has something to place.
func (s *Server) renderMarkdown(source string) string {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(source), &buf); err != nil {
		s.logger.Warn("Markdown conversion failed", "error", err)
		return source
	}
	return buf.String()
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// withCORS allows the Figma plugin, which runs on a different origin,
// to call the bridge.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
