//go:build e2e

package comprehensive

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

// ===== T1: REST API surface (no backends needed) =====

func TestAPI_HealthCheck(t *testing.T) {
	code, body := apiGet(t, "/api/v1/health")
	if code != http.StatusOK {
		t.Fatalf("health = %d, want 200", code)
	}
	var health struct {
		Status   string          `json:"status"`
		Service  string          `json:"service"`
		Version  string          `json:"version"`
		Backends map[string]bool `json:"backends"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if health.Service != "agentforge" {
		t.Errorf("service = %q, want agentforge", health.Service)
	}
	if health.Version == "" {
		t.Error("expected a version string")
	}
}

func TestAPI_SubmitValidation(t *testing.T) {
	var errorBody struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	cases := []struct {
		name         string
		instructions string
		filename     string
		content      string
	}{
		{"short instructions", "nope", "doc.txt", "some content"},
		{"missing document", validInstructions, "", ""},
		{"empty document", validInstructions, "doc.txt", ""},
	}
	for _, c := range cases {
		code, body := submitDocument(t, c.instructions, c.filename, c.content)
		if code != http.StatusBadRequest {
			t.Errorf("%s: code = %d, want 400", c.name, code)
			continue
		}
		if err := json.Unmarshal(body, &errorBody); err != nil {
			t.Fatalf("%s: decode error body: %v", c.name, err)
		}
		if errorBody.Error != "invalid_submission" {
			t.Errorf("%s: error = %q, want invalid_submission", c.name, errorBody.Error)
		}
	}
}

func TestAPI_TaskLifecycle(t *testing.T) {
	code, body := submitDocument(t, validInstructions, "review.txt", validDocument)
	if code != http.StatusAccepted {
		t.Fatalf("submit = %d %s, want 202", code, body)
	}
	var sr submitResult
	if err := json.Unmarshal(body, &sr); err != nil {
		t.Fatalf("decode submit result: %v", err)
	}
	if sr.TaskID == "" {
		t.Fatal("expected a task id")
	}
	if sr.Status != "pending" {
		t.Errorf("initial status = %q, want pending", sr.Status)
	}
	if !strings.HasPrefix(sr.Poll, "/api/v1/tasks/") {
		t.Errorf("poll path = %q", sr.Poll)
	}
	if !strings.HasPrefix(sr.Subscribe, "/ws/tasks/") {
		t.Errorf("subscribe path = %q", sr.Subscribe)
	}

	v := waitTask(t, sr.TaskID, 30*time.Second)
	if v.Status != "complete" {
		t.Fatalf("task ended %s (error %q)", v.Status, v.Error)
	}
	if v.DocumentName != "review.txt" {
		t.Errorf("document name = %q", v.DocumentName)
	}
	if v.Progress.Completed != v.Progress.Total {
		t.Errorf("progress %d/%d, want full", v.Progress.Completed, v.Progress.Total)
	}
	if len(v.AgentConfig) == 0 {
		t.Error("expected an agent configuration on the completed task")
	}
}

func TestAPI_TaskNotFound(t *testing.T) {
	calls := map[string]func(t *testing.T) (int, []byte){
		"get":    func(t *testing.T) (int, []byte) { return apiGet(t, "/api/v1/tasks/does-not-exist") },
		"cancel": func(t *testing.T) (int, []byte) { return apiPost(t, "/api/v1/tasks/does-not-exist/cancel", nil) },
		"export": func(t *testing.T) (int, []byte) { return apiGet(t, "/api/v1/tasks/does-not-exist/export") },
	}
	for name, call := range calls {
		code, body := call(t)
		if code != http.StatusNotFound {
			t.Errorf("%s: code = %d, want 404", name, code)
			continue
		}
		var errorBody struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errorBody); err != nil {
			t.Fatalf("%s: decode error body: %v", name, err)
		}
		if errorBody.Error != "task_not_found" {
			t.Errorf("%s: error = %q, want task_not_found", name, errorBody.Error)
		}
	}
}

func TestAPI_ListTasks(t *testing.T) {
	code, body := submitDocument(t, validInstructions, "listme.txt", validDocument)
	if code != http.StatusAccepted {
		t.Fatalf("submit = %d, want 202", code)
	}
	var sr submitResult
	json.Unmarshal(body, &sr)

	code, body = apiGet(t, "/api/v1/tasks")
	if code != http.StatusOK {
		t.Fatalf("list = %d, want 200", code)
	}
	var views []taskView
	if err := json.Unmarshal(body, &views); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	found := false
	for _, v := range views {
		if v.TaskID == sr.TaskID {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("task %s not in listing of %d tasks", sr.TaskID, len(views))
	}
}

func TestAPI_Export(t *testing.T) {
	code, body := submitDocument(t, validInstructions, "export.txt", validDocument)
	if code != http.StatusAccepted {
		t.Fatalf("submit = %d, want 202", code)
	}
	var sr submitResult
	json.Unmarshal(body, &sr)
	if v := waitTask(t, sr.TaskID, 30*time.Second); v.Status != "complete" {
		t.Fatalf("task ended %s (error %q)", v.Status, v.Error)
	}

	for format, wantType := range map[string]string{
		"json":              "application/json",
		"workflow-graph":    "application/json",
		"structured-config": "application/yaml",
	} {
		resp, err := http.Get(baseURL + "/api/v1/tasks/" + sr.TaskID + "/export?format=" + format)
		if err != nil {
			t.Fatalf("export %s: %v", format, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("export %s = %d, want 200", format, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != wantType {
			t.Errorf("export %s content type = %q, want %q", format, ct, wantType)
		}
		if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
			t.Errorf("export %s disposition = %q", format, cd)
		}
		resp.Body.Close()
	}

	code, body = apiGet(t, "/api/v1/tasks/"+sr.TaskID+"/export?format=csv")
	if code != http.StatusBadRequest {
		t.Errorf("unknown format = %d, want 400", code)
	}
	var errorBody struct {
		Error string `json:"error"`
	}
	json.Unmarshal(body, &errorBody)
	if errorBody.Error != "unknown_format" {
		t.Errorf("error = %q, want unknown_format", errorBody.Error)
	}
}
