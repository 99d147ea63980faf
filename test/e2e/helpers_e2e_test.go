//go:build e2e

// Package e2e_test drives a running stack (server + worker + executor) over
// HTTP. Point E2E_BASE_URL at the server; tests skip when the stack is not
// reachable so the suite is safe in environments without Docker.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

var baseURL = getenv("E2E_BASE_URL", "http://localhost:8080")

// maybeAdminAuth attaches DLQ admin credentials when provided via env.
func maybeAdminAuth(req *http.Request) {
	user := os.Getenv("E2E_ADMIN_USER")
	pass := os.Getenv("E2E_ADMIN_PASSWORD")
	if user != "" && pass != "" {
		req.SetBasicAuth(user, pass)
	}
}

// waitForAppReady polls /readyz until the stack reports ready or the budget
// runs out; the caller's test is skipped when it never does.
func waitForAppReady(t *testing.T, client *http.Client, budget time.Duration) {
	t.Helper()
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL + "/readyz")
		if err == nil {
			code := resp.StatusCode
			resp.Body.Close()
			if code == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Skip("stack not ready; skipping E2E test")
}

// submitEvaluation posts code and returns the submit receipt.
func submitEvaluation(t *testing.T, client *http.Client, code, language string, timeoutSecs, priority int) map[string]any {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"code":         code,
		"language":     language,
		"timeout_secs": timeoutSecs,
		"priority":     priority,
	})
	require.NoError(t, err)

	// Quick retry loop for transient 429/503 from the rate limiter or a
	// queue-depth guard that is still draining.
	var lastStatus int
	var lastBody []byte
	for i := 0; i < 6; i++ {
		req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/evaluations", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		require.NoError(t, err)
		lastStatus = resp.StatusCode
		if resp.StatusCode == http.StatusCreated {
			defer resp.Body.Close()
			var out map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			return out
		}
		lastBody, _ = readAll(resp)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		break
	}
	t.Fatalf("submit returned %d: %s", lastStatus, lastBody)
	return nil
}

func readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}

// getEvaluation fetches the evaluation read model.
func getEvaluation(t *testing.T, client *http.Client, id string) map[string]any {
	t.Helper()
	resp, err := client.Get(baseURL + "/v1/evaluations/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET /v1/evaluations/%s", id)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// terminalStatuses mirrors the server's state machine.
var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"timeout":   true,
}

// waitForTerminal polls until the evaluation reaches a terminal status or
// the budget runs out; the last observed body is returned either way.
func waitForTerminal(t *testing.T, client *http.Client, id string, budget time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(budget)
	var last map[string]any
	for time.Now().Before(deadline) {
		last = getEvaluation(t, client, id)
		st, _ := last["status"].(string)
		if terminalStatuses[st] {
			return last
		}
		time.Sleep(time.Second)
	}
	return last
}

// cancelEvaluation issues DELETE and returns (statusCode, body).
func cancelEvaluation(t *testing.T, client *http.Client, id string, force bool) (int, map[string]any) {
	t.Helper()
	url := baseURL + "/v1/evaluations/" + id
	if force {
		url += "?force=true"
	}
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// dumpJSON writes a response snapshot for debugging when E2E_DUMP_DIR is set.
func dumpJSON(t *testing.T, name string, v any) {
	t.Helper()
	dir := os.Getenv("E2E_DUMP_DIR")
	if dir == "" {
		return
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Logf("dump %s: %v", name, err)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Logf("dump %s: %v", name, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
		t.Logf("dump %s: %v", name, err)
	}
}

// evalID extracts the receipt id or fails the test.
func evalID(t *testing.T, receipt map[string]any) string {
	t.Helper()
	id, ok := receipt["eval_id"].(string)
	require.True(t, ok && id != "", "submit receipt missing eval_id: %#v", receipt)
	return id
}

func statusOf(m map[string]any) string {
	s, _ := m["status"].(string)
	return s
}

func exitCodeOf(t *testing.T, m map[string]any) int {
	t.Helper()
	v, ok := m["exit_code"]
	if !ok || v == nil {
		t.Fatalf("exit_code missing: %#v", m)
	}
	f, ok := v.(float64)
	if !ok {
		t.Fatalf("exit_code not numeric: %#v", v)
	}
	return int(f)
}
