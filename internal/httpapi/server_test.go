package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/handoff/internal/config"
	"github.com/antoniostano/handoff/internal/distributor"
	"github.com/antoniostano/handoff/internal/notify"
	"github.com/antoniostano/handoff/internal/observability"
	"github.com/antoniostano/handoff/internal/orchestrator"
	"github.com/antoniostano/handoff/internal/persistence"
)

type stubLoop struct {
	calls int
}

func (l *stubLoop) Tick(context.Context) (distributor.Report, error) {
	l.calls++
	return distributor.Report{RunID: "run-1", Candidates: 0}, nil
}

func newTestServer(t *testing.T, loop Distributor) *httptest.Server {
	t.Helper()
	metrics := observability.NewMetricsWith("test_httpapi", prometheus.NewRegistry())
	svc := orchestrator.New(persistence.NewMemoryStore(), orchestrator.Config{Metrics: metrics})
	srv := New(config.Config{}, svc, loop, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	defer res.Body.Close()
	out := map[string]any{}
	if res.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(res.Body).Decode(&out)
	}
	return res, out
}

func idOf(t *testing.T, body map[string]any) int64 {
	t.Helper()
	id, ok := body["id"].(float64)
	if !ok || id <= 0 {
		t.Fatalf("missing id in %+v", body)
	}
	return int64(id)
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, nil)

	res, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if res.StatusCode != http.StatusOK || body["store_mode"] != "in-memory" {
		t.Fatalf("healthz = %d %+v", res.StatusCode, body)
	}
	if res.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID header")
	}
	res, body = doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if res.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz = %d %+v", res.StatusCode, body)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	res, created := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks", map[string]any{
		"source":       "lead",
		"target":       "Coder",
		"summary":      "fix the parser",
		"issue_number": 42,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %+v", res.StatusCode, created)
	}
	id := idOf(t, created)
	if created["target_agent"] != "coder" || created["status"] != "pending" {
		t.Fatalf("created = %+v", created)
	}

	res, list := doJSON(t, http.MethodGet, ts.URL+"/v1/tasks?status=pending&target=coder", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", res.StatusCode)
	}
	if items, _ := list["tasks"].([]any); len(items) != 1 {
		t.Fatalf("list = %+v, want one task", list)
	}

	res, notified := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/notified", ts.URL, id), nil)
	if res.StatusCode != http.StatusOK || notified["status"] != "notified" {
		t.Fatalf("notified = %d %+v", res.StatusCode, notified)
	}

	res, accepted := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/accept", ts.URL, id), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status = %d, body %+v", res.StatusCode, accepted)
	}
	if prompt, _ := accepted["prompt"].(string); !strings.Contains(prompt, "fix the parser") {
		t.Fatalf("prompt = %q", prompt)
	}

	res, idle := doJSON(t, http.MethodGet, ts.URL+"/v1/agents/coder/idle", nil)
	if res.StatusCode != http.StatusOK || idle["idle"] != false {
		t.Fatalf("idle = %d %+v, want busy", res.StatusCode, idle)
	}

	res, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/complete", ts.URL, id), map[string]any{"result": "merged"})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("complete status = %d", res.StatusCode)
	}

	res, detail := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/tasks/%d", ts.URL, id), nil)
	if res.StatusCode != http.StatusOK || detail["status"] != "completed" || detail["result"] != "merged" {
		t.Fatalf("detail = %d %+v", res.StatusCode, detail)
	}
	if deliveries, _ := detail["deliveries"].([]any); len(deliveries) != 1 {
		t.Fatalf("deliveries = %+v, want one", detail["deliveries"])
	}

	res, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/tasks/%d/cancel", ts.URL, id), nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("cancel completed status = %d, want 400", res.StatusCode)
	}
}

func TestTaskErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty body", http.MethodPost, "/v1/tasks", nil, http.StatusBadRequest},
		{"missing summary", http.MethodPost, "/v1/tasks", map[string]any{"source": "lead", "target": "coder"}, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/v1/tasks/abc", nil, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/v1/tasks/999", nil, http.StatusNotFound},
		{"unknown status filter", http.MethodGet, "/v1/tasks?status=lost", nil, http.StatusBadRequest},
		{"approve unknown", http.MethodPost, "/v1/tasks/999/approve", nil, http.StatusNotFound},
		{"bad delivery method", http.MethodPost, "/v1/tasks/1/sent", map[string]any{"method": "carrier-pigeon"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, body := doJSON(t, tc.method, ts.URL+tc.path, tc.body)
			if res.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d (body %+v)", res.StatusCode, tc.want, body)
			}
			if body["code"] == nil || body["code"] == "" {
				t.Fatalf("missing error code in %+v", body)
			}
		})
	}
}

func TestDispatchEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	res, body := doJSON(t, http.MethodPost, ts.URL+"/v1/agents/coder/dispatch", nil)
	if res.StatusCode != http.StatusOK || body["kind"] != "no_pending_tasks" {
		t.Fatalf("empty dispatch = %d %+v", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/dispatch", map[string]any{
		"source":       "lead",
		"target":       "coder",
		"summary":      "ship it",
		"issue_number": 7,
	})
	if res.StatusCode != http.StatusOK || body["kind"] != "dispatched" || body["created"] != true {
		t.Fatalf("create-and-dispatch = %d %+v", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodPost, ts.URL+"/v1/agents/coder/dispatch", nil)
	if res.StatusCode != http.StatusOK || body["kind"] != "agent_busy" {
		t.Fatalf("busy dispatch = %d %+v", res.StatusCode, body)
	}

	res, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/agents/coder/activity/finish", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("finish activity status = %d", res.StatusCode)
	}
	res, body = doJSON(t, http.MethodGet, ts.URL+"/v1/activity?agent=coder&status=completed", nil)
	if items, _ := body["activity"].([]any); res.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("activity = %d %+v", res.StatusCode, body)
	}
}

func TestMessageEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	res, msg := doJSON(t, http.MethodPost, ts.URL+"/v1/messages", map[string]any{
		"source":  "lead",
		"target":  "coder",
		"type":    "note",
		"content": "rebase please",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d, body %+v", res.StatusCode, msg)
	}
	id := idOf(t, msg)

	res, pending := doJSON(t, http.MethodGet, ts.URL+"/v1/messages/pending?agent=coder", nil)
	if items, _ := pending["messages"].([]any); res.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("pending = %d %+v", res.StatusCode, pending)
	}

	res, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/messages/%d/delivered", ts.URL, id), nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delivered status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/messages/%d/shred", ts.URL, id), nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown op status = %d, want 404", res.StatusCode)
	}
	res, got := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/messages/%d", ts.URL, id), nil)
	if res.StatusCode != http.StatusOK || got["status"] != "delivered" {
		t.Fatalf("get = %d %+v", res.StatusCode, got)
	}
}

func TestNarrationConflictReportsOpenThread(t *testing.T) {
	ts := newTestServer(t, nil)

	start := map[string]any{"source": "coder", "content": "starting", "session_id": "s-1"}
	res, first := doJSON(t, http.MethodPost, ts.URL+"/v1/narration", start)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, body %+v", res.StatusCode, first)
	}
	startID := idOf(t, first)

	res, conflict := doJSON(t, http.MethodPost, ts.URL+"/v1/narration", start)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second start status = %d, want 409", res.StatusCode)
	}
	if got, _ := conflict["open_start_id"].(float64); int64(got) != startID {
		t.Fatalf("open_start_id = %v, want %d", conflict["open_start_id"], startID)
	}

	res, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/narration/%d/progress", ts.URL, startID), map[string]any{"content": "halfway"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("progress status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/narration/%d/complete", ts.URL, startID), map[string]any{"summary": "done"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("complete status = %d", res.StatusCode)
	}
	res, history := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/narration/%d/history", ts.URL, startID), nil)
	if res.StatusCode != http.StatusOK || history["completed"] != true {
		t.Fatalf("history = %d %+v", res.StatusCode, history)
	}
	if children, _ := history["children"].([]any); len(children) != 2 {
		t.Fatalf("children = %+v, want 2", history["children"])
	}
}

func TestOrphanEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks/dispatch", map[string]any{
		"source": "lead", "target": "coder", "summary": "fix", "issue_number": 3,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dispatch status = %d", res.StatusCode)
	}

	res, body := doJSON(t, http.MethodGet, ts.URL+"/v1/orphans", nil)
	items, _ := body["orphans"].([]any)
	if res.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("orphans = %d %+v", res.StatusCode, body)
	}
	activity, _ := items[0].(map[string]any)["activity"].(map[string]any)
	id := idOf(t, activity)

	res, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/orphans?min_age=later", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad min_age status = %d, want 400", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/orphans/%d/forget", ts.URL, id), nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown resolution status = %d, want 404", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/v1/orphans/%d/reset", ts.URL, id), nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d", res.StatusCode)
	}
	res, pending := doJSON(t, http.MethodGet, ts.URL+"/v1/tasks/pending", nil)
	if list, _ := pending["tasks"].([]any); res.StatusCode != http.StatusOK || len(list) != 1 {
		t.Fatalf("pending after reset = %d %+v", res.StatusCode, pending)
	}
}

func TestRunDistribution(t *testing.T) {
	ts := newTestServer(t, nil)
	res, body := doJSON(t, http.MethodPost, ts.URL+"/v1/distribution/run", nil)
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("disabled status = %d %+v", res.StatusCode, body)
	}

	loop := &stubLoop{}
	ts = newTestServer(t, loop)
	res, body = doJSON(t, http.MethodPost, ts.URL+"/v1/distribution/run", nil)
	if res.StatusCode != http.StatusOK || body["run_id"] != "run-1" || loop.calls != 1 {
		t.Fatalf("run = %d %+v calls=%d", res.StatusCode, body, loop.calls)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws?agent=coder&types=task_created"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	res, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/tasks", map[string]any{
		"source": "lead", "target": "coder", "summary": "stream me",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", res.StatusCode)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var evt notify.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event error = %v", err)
	}
	if evt.Type != notify.EventTaskCreated || evt.Agent != "coder" {
		t.Fatalf("event = %+v", evt)
	}
}
