package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bottlenote/magpress/internal/db"
	"github.com/bottlenote/magpress/workflow"
)

type bridgeFixture struct {
	store  *db.Store
	engine *workflow.Engine
	ts     *httptest.Server

	mu        sync.Mutex
	completed []int64
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store := db.NewStore(database)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := workflow.NewEngine(store, workflow.NewPipeline(false), nil, logger)

	f := &bridgeFixture{store: store, engine: engine}
	server := NewServer(store, engine, logger, func(issueID int64) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.completed = append(f.completed, issueID)
	})
	f.ts = httptest.NewServer(server.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

// seedLayoutIssue creates an issue at FIGMA_LAYOUT with approved
// content and a pending layout snapshot.
func (f *bridgeFixture) seedLayoutIssue(t *testing.T) *workflow.Issue {
	t.Helper()

	issue, err := f.store.CreateIssue("channel-1")
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	f.store.UpdateIssueThreadURL(issue.ID, "https://chat.example.com/t/1")

	content := map[string]any{
		"topic": map[string]string{"title": "하이볼의 계절", "subtitle": "여름 위스키"},
		"cards": []map[string]string{
			{"type": "cover", "heading": "하이볼의 계절", "body": "올여름 **하이볼** 한 잔"},
			{"type": "closing", "heading": "다음 호", "body": "기다려주세요"},
		},
	}
	if err := f.store.SaveStageData(issue.ID, workflow.StageContentWriting, content); err != nil {
		t.Fatalf("save content: %v", err)
	}
	data, _ := f.store.GetStageData(issue.ID, workflow.StageContentWriting)
	f.store.ApproveStageData(data.ID)

	layout := map[string]any{
		"topic":        content["topic"],
		"cards":        content["cards"],
		"imageMapping": map[string]string{"0": "https://cdn.example.com/cover.png"},
	}
	if err := f.store.SaveStageData(issue.ID, workflow.StageFigmaLayout, layout); err != nil {
		t.Fatalf("save layout: %v", err)
	}

	if err := f.store.UpdateIssueStage(issue.ID, workflow.StageFigmaLayout); err != nil {
		t.Fatalf("move to FIGMA_LAYOUT: %v", err)
	}
	reloaded, _ := f.store.GetIssue(issue.ID)
	return reloaded
}

func getJSON(t *testing.T, url string, target any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if target != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestGetLayoutIssues(t *testing.T) {
	f := newBridgeFixture(t)

	// Issues not at FIGMA_LAYOUT are excluded.
	f.store.CreateIssue("channel-x")
	first := f.seedLayoutIssue(t)
	second := f.seedLayoutIssue(t)

	var issues []struct {
		ID          int64  `json:"id"`
		IssueNumber int    `json:"issueNumber"`
		Stage       string `json:"stage"`
	}
	resp := getJSON(t, f.ts.URL+"/api/issues", &issues)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(issues) != 2 {
		t.Fatalf("issues = %d, want 2", len(issues))
	}
	// Newest first.
	if issues[0].ID != second.ID || issues[1].ID != first.ID {
		t.Errorf("order = [%d %d], want [%d %d]", issues[0].ID, issues[1].ID, second.ID, first.ID)
	}
	if issues[0].Stage != string(workflow.StageFigmaLayout) {
		t.Errorf("stage = %s", issues[0].Stage)
	}
}

func TestGetLayout(t *testing.T) {
	f := newBridgeFixture(t)
	issue := f.seedLayoutIssue(t)

	var layout struct {
		IssueNumber int `json:"issueNumber"`
		Topic       struct {
			Title    string `json:"title"`
			Subtitle string `json:"subtitle"`
		} `json:"topic"`
		Cards []struct {
			Type     string `json:"type"`
			Heading  string `json:"heading"`
			Body     string `json:"body"`
			BodyHTML string `json:"bodyHtml"`
			ImageURL string `json:"imageUrl"`
		} `json:"cards"`
		ThreadURL string `json:"threadUrl"`
	}
	resp := getJSON(t, f.ts.URL+"/api/issues/1/layout", &layout)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if layout.IssueNumber != issue.IssueNumber {
		t.Errorf("issueNumber = %d", layout.IssueNumber)
	}
	if layout.Topic.Title != "하이볼의 계절" || layout.Topic.Subtitle != "여름 위스키" {
		t.Errorf("topic = %+v", layout.Topic)
	}
	if len(layout.Cards) != 2 {
		t.Fatalf("cards = %d, want 2", len(layout.Cards))
	}
	if !strings.Contains(layout.Cards[0].BodyHTML, "<strong>하이볼</strong>") {
		t.Errorf("bodyHtml = %q, want rendered markdown", layout.Cards[0].BodyHTML)
	}
	if layout.Cards[0].ImageURL != "https://cdn.example.com/cover.png" {
		t.Errorf("imageUrl = %q", layout.Cards[0].ImageURL)
	}
	if layout.Cards[1].ImageURL != "" {
		t.Errorf("unmapped card has imageUrl %q", layout.Cards[1].ImageURL)
	}
	if layout.ThreadURL != "https://chat.example.com/t/1" {
		t.Errorf("threadUrl = %q", layout.ThreadURL)
	}
}

func TestGetLayoutErrors(t *testing.T) {
	f := newBridgeFixture(t)

	if resp := getJSON(t, f.ts.URL+"/api/issues/99/layout", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown issue status = %d, want 404", resp.StatusCode)
	}
	if resp := getJSON(t, f.ts.URL+"/api/issues/abc/layout", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}

	// Issue exists but has no content data yet.
	issue, _ := f.store.CreateIssue("channel-1")
	f.store.UpdateIssueStage(issue.ID, workflow.StageFigmaLayout)
	if resp := getJSON(t, f.ts.URL+"/api/issues/1/layout", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing content status = %d, want 404", resp.StatusCode)
	}
}

func TestCompleteLayout(t *testing.T) {
	f := newBridgeFixture(t)
	issue := f.seedLayoutIssue(t)

	resp, err := http.Post(f.ts.URL+"/api/issues/1/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("POST complete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	reloaded, _ := f.store.GetIssue(issue.ID)
	if reloaded.Stage != workflow.StageFinalOutput {
		t.Errorf("stage after complete = %s, want FINAL_OUTPUT", reloaded.Stage)
	}

	layoutData, _ := f.store.GetStageData(issue.ID, workflow.StageFigmaLayout)
	if !layoutData.Approved() {
		t.Error("layout snapshot not approved")
	}

	f.mu.Lock()
	completed := append([]int64{}, f.completed...)
	f.mu.Unlock()
	if len(completed) != 1 || completed[0] != issue.ID {
		t.Errorf("callback fired for %v, want [%d]", completed, issue.ID)
	}

	// A second completion attempt is refused: the issue has moved on.
	resp, err = http.Post(f.ts.URL+"/api/issues/1/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("POST complete again: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("repeat complete status = %d, want 400", resp.StatusCode)
	}
}

func TestCompleteLayoutWrongStage(t *testing.T) {
	f := newBridgeFixture(t)
	f.store.CreateIssue("channel-1") // still at TOPIC_SELECTION

	resp, err := http.Post(f.ts.URL+"/api/issues/1/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("POST complete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// failingDataStore fails every stage data load.
type failingDataStore struct {
	workflow.Store
}

func (s *failingDataStore) GetStageData(issueID int64, stage workflow.Stage) (*workflow.StageData, error) {
	return nil, errors.New("disk I/O error")
}

func TestCompleteLayoutStorageError(t *testing.T) {
	f := newBridgeFixture(t)
	issue := f.seedLayoutIssue(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(&failingDataStore{Store: f.store}, f.engine, logger, func(int64) {
		t.Error("callback fired despite storage failure")
	})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/issues/1/complete", "application/json", nil)
	if err != nil {
		t.Fatalf("POST complete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}

	// The issue did not advance and the snapshot stayed pending.
	reloaded, _ := f.store.GetIssue(issue.ID)
	if reloaded.Stage != workflow.StageFigmaLayout {
		t.Errorf("stage after failed complete = %s, want FIGMA_LAYOUT", reloaded.Stage)
	}
	layoutData, _ := f.store.GetStageData(issue.ID, workflow.StageFigmaLayout)
	if layoutData.Approved() {
		t.Error("layout snapshot approved despite storage failure")
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newBridgeFixture(t)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodOptions, f.ts.URL+"/api/issues", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
