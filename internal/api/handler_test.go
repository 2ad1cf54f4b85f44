package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgelab/agentforge/internal/analyze"
	"github.com/forgelab/agentforge/internal/export"
	"github.com/forgelab/agentforge/internal/fallback"
	"github.com/forgelab/agentforge/internal/pipeline"
	"github.com/forgelab/agentforge/internal/status"
	"github.com/forgelab/agentforge/internal/step"
	"github.com/forgelab/agentforge/internal/task"
	"github.com/forgelab/agentforge/internal/upload"
	"github.com/forgelab/agentforge/internal/vectorindex"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const testInstructions = "build a question answering agent from this handbook"

// newTestHandler wires a full in-memory stack: real steps, memory vector
// index, heuristic analyzer. Submitted tasks run the real pipeline.
func newTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	return newTestHandlerLimit(t, 10<<20)
}

func newTestHandlerLimit(t *testing.T, maxBytes int64) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	store := task.NewStore(logger)
	hub := status.NewHub(store, logger)
	store.OnCommit(hub.Publish)

	uploads, err := upload.NewStore(filepath.Join(t.TempDir(), "uploads"), logger)
	if err != nil {
		t.Fatalf("upload store: %v", err)
	}

	steps := []step.Runner{
		step.NewDecision(logger),
		step.NewParse(logger),
		step.NewIndex(vectorindex.NewMemory(), analyze.NewHeuristic(), logger),
		step.NewConfigure(logger),
	}
	engine := pipeline.NewEngine(store, steps, fallback.NewAdvisor(logger), pipeline.Timeouts{}, 4, logger)

	h := NewHandler(store, engine, hub, export.NewGenerator(logger), uploads, maxBytes, "test", map[string]bool{}, logger)
	return h, h.Router()
}

func submitMultipart(t *testing.T, ts *httptest.Server, instructions, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := w.CreateFormFile("document", filename)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		fw.Write([]byte(content))
	}
	w.WriteField("instructions", instructions)
	w.Close()

	resp, err := http.Post(ts.URL+"/api/v1/tasks", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /api/v1/tasks: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitTerminal(t *testing.T, ts *httptest.Server, id string) task.View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/v1/tasks/" + id)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		var v task.View
		decodeJSON(t, resp, &v)
		if v.Status.Terminal() {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state", id)
	return task.View{}
}

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["service"] != "agentforge" {
		t.Errorf("expected service agentforge, got %v", body["service"])
	}
}

func TestSubmitRunsPipeline(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := submitMultipart(t, ts, testInstructions, "handbook.txt",
		"The onboarding process is a detailed five step procedure with complete security guidelines.")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var submitted submitResponse
	decodeJSON(t, resp, &submitted)
	if submitted.TaskID == "" {
		t.Fatal("expected a task id")
	}
	if submitted.Status != task.StatusPending {
		t.Errorf("expected pending, got %s", submitted.Status)
	}
	if !strings.HasPrefix(submitted.Poll, "/api/v1/tasks/") || !strings.HasPrefix(submitted.Subscribe, "/ws/tasks/") {
		t.Errorf("unexpected follow-up paths: %+v", submitted)
	}

	v := waitTerminal(t, ts, submitted.TaskID)
	if v.Status != task.StatusComplete {
		t.Fatalf("pipeline ended %s (error %q)", v.Status, v.Error)
	}
	if len(v.StepsCompleted) != 4 {
		t.Errorf("expected 4 completed steps, got %v", v.StepsCompleted)
	}
	if v.AgentConfig["agent_id"] != "agent_"+submitted.TaskID {
		t.Errorf("agent config missing: %v", v.AgentConfig)
	}
	if v.Progress.Percentage != 100 {
		t.Errorf("expected 100%%, got %d", v.Progress.Percentage)
	}
}

func TestSubmitValidation(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	cases := []struct {
		name         string
		instructions string
		filename     string
		content      string
	}{
		{"short instructions", "too short", "doc.txt", "content"},
		{"missing document", testInstructions, "", ""},
		{"empty document", testInstructions, "doc.txt", ""},
	}
	for _, c := range cases {
		resp := submitMultipart(t, ts, c.instructions, c.filename, c.content)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", c.name, resp.StatusCode)
		}
		var body map[string]string
		decodeJSON(t, resp, &body)
		if body["error"] != "invalid_submission" {
			t.Errorf("%s: expected invalid_submission, got %q", c.name, body["error"])
		}
	}
}

func TestSubmitTooLargeCreatesNoRecord(t *testing.T) {
	h, router := newTestHandlerLimit(t, 64)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := submitMultipart(t, ts, testInstructions, "big.txt", strings.Repeat("x", 200))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "invalid_submission" {
		t.Errorf("expected invalid_submission, got %q", body["error"])
	}
	if views := h.store.List(); len(views) != 0 {
		t.Errorf("expected no record for a rejected submission, got %d", len(views))
	}
}

func TestGetTaskNotFound(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/tasks/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "task_not_found" {
		t.Errorf("expected task_not_found, got %q", body["error"])
	}
}

func TestListTasks(t *testing.T) {
	h, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	h.store.Create(task.CreateParams{ID: "older", Steps: h.engine.StepNames()})
	h.store.Create(task.CreateParams{ID: "newer", Steps: h.engine.StepNames()})

	resp, err := http.Get(ts.URL + "/api/v1/tasks")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var views []task.View
	decodeJSON(t, resp, &views)
	if len(views) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(views))
	}
	if views[0].TaskID != "newer" {
		t.Errorf("expected newest first, got %s", views[0].TaskID)
	}
}

func TestCancelTask(t *testing.T) {
	h, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	h.store.Create(task.CreateParams{ID: "t1", Steps: h.engine.StepNames()})

	resp, err := http.Post(ts.URL+"/api/v1/tasks/t1/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var v task.View
	decodeJSON(t, resp, &v)
	if v.Status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %s", v.Status)
	}

	resp, _ = http.Post(ts.URL+"/api/v1/tasks/nope/cancel", "application/json", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestExportTask(t *testing.T) {
	h, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	// Not complete yet: export is refused.
	h.store.Create(task.CreateParams{ID: "pending", Steps: h.engine.StepNames()})
	resp, err := http.Get(ts.URL + "/api/v1/tasks/pending/export")
	if err != nil {
		t.Fatalf("GET export: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for incomplete task, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(ts.URL + "/api/v1/tasks/nope/export")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Run a task to completion, then pull each format.
	sr := submitMultipart(t, ts, testInstructions, "handbook.txt",
		"A comprehensive policy document describing the complete onboarding process step by step.")
	var submitted submitResponse
	decodeJSON(t, sr, &submitted)
	if v := waitTerminal(t, ts, submitted.TaskID); v.Status != task.StatusComplete {
		t.Fatalf("pipeline ended %s (error %q)", v.Status, v.Error)
	}

	for format, wantType := range map[string]string{
		"json":              "application/json",
		"workflow-graph":    "application/json",
		"structured-config": "application/yaml",
	} {
		resp, err := http.Get(ts.URL + "/api/v1/tasks/" + submitted.TaskID + "/export?format=" + format)
		if err != nil {
			t.Fatalf("GET export %s: %v", format, err)
		}
		if resp.StatusCode != 200 {
			t.Errorf("format %s: expected 200, got %d", format, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != wantType {
			t.Errorf("format %s: expected %s, got %s", format, wantType, ct)
		}
		if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
			t.Errorf("format %s: expected attachment disposition, got %q", format, cd)
		}
		resp.Body.Close()
	}

	resp, _ = http.Get(ts.URL + "/api/v1/tasks/" + submitted.TaskID + "/export?format=csv")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown format, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["error"] != "unknown_format" {
		t.Errorf("expected unknown_format, got %q", body["error"])
	}
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestSubscribeUnknownTask404(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/tasks/nope"), nil)
	if err == nil {
		t.Fatal("expected handshake failure for unknown task")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before upgrade, got %v", resp)
	}
}

func TestSubscribeStreamsUntilTerminal(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	sr := submitMultipart(t, ts, testInstructions, "handbook.txt",
		"A detailed policy describing each step of the review procedure in complete form.")
	var submitted submitResponse
	decodeJSON(t, sr, &submitted)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/tasks/"+submitted.TaskID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var views []task.View
	for {
		var v task.View
		if err := conn.ReadJSON(&v); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("stream ended abnormally: %v", err)
			}
			break
		}
		views = append(views, v)
	}

	if len(views) == 0 {
		t.Fatal("expected at least one view on the stream")
	}
	last := views[len(views)-1]
	if last.Status != task.StatusComplete {
		t.Fatalf("expected stream to end on complete, got %s (error %q)", last.Status, last.Error)
	}
	for _, v := range views {
		if v.TaskID != submitted.TaskID {
			t.Errorf("view for wrong task: %s", v.TaskID)
		}
	}
}
