package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func runCLI(t *testing.T, dbURL string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--database-url", dbURL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func testDB(t *testing.T) string {
	t.Helper()
	t.Setenv("HANDOFF_LOG_LEVEL", "error")
	return "sqlite://" + filepath.Join(t.TempDir(), "handoff.db")
}

func TestDispatchWithNoTasks(t *testing.T) {
	db := testDB(t)
	out, err := runCLI(t, db, "dispatch", "coder")
	if err != nil {
		t.Fatalf("dispatch error = %v", err)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res["kind"] != "no_pending_tasks" {
		t.Fatalf("dispatch = %+v, want no_pending_tasks", res)
	}
}

func TestActivityAndOrphans(t *testing.T) {
	db := testDB(t)

	out, err := runCLI(t, db, "activity", "start", "coder")
	if err != nil {
		t.Fatalf("activity start error = %v", err)
	}
	var started map[string]any
	if err := json.Unmarshal([]byte(out), &started); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	id := int64(started["id"].(float64))

	out, err = runCLI(t, db, "orphans", "list")
	if err != nil {
		t.Fatalf("orphans list error = %v", err)
	}
	var orphans []map[string]any
	if err := json.Unmarshal([]byte(out), &orphans); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(orphans) != 1 {
		t.Fatalf("orphans = %+v, want one", orphans)
	}

	if _, err := runCLI(t, db, "orphans", "ignore", strconv.FormatInt(id, 10)); err != nil {
		t.Fatalf("orphans ignore error = %v", err)
	}
	out, err = runCLI(t, db, "orphans", "list")
	if err != nil {
		t.Fatalf("orphans list error = %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("orphans after ignore = %q, want []", out)
	}

	if _, err := runCLI(t, db, "orphans", "reset", strconv.FormatInt(id, 10)); err == nil {
		t.Fatalf("resolving a closed record should fail")
	}
}

func TestActivityFinishRequiresTarget(t *testing.T) {
	db := testDB(t)
	if _, err := runCLI(t, db, "activity", "finish"); err == nil || !strings.Contains(err.Error(), "--id") {
		t.Fatalf("activity finish error = %v, want missing target", err)
	}

	if _, err := runCLI(t, db, "activity", "start", "coder"); err != nil {
		t.Fatalf("activity start error = %v", err)
	}
	out, err := runCLI(t, db, "activity", "finish", "coder")
	if err != nil {
		t.Fatalf("activity finish error = %v", err)
	}
	if !strings.Contains(out, `"closed": 1`) {
		t.Fatalf("finish output = %q, want closed 1", out)
	}
}
