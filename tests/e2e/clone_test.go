//go:build e2e
// +build e2e

// Package e2e provides end-to-end tests for the IronPXE control plane API.
// They expect a running controlplane; point API_URL at it and set API_KEY
// to an operator credential (the bootstrap key logged on first start works).
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

var (
	baseURL = getEnv("API_URL", "http://localhost:8080")
	apiKey  = os.Getenv("API_KEY")
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// TestMain waits for the server before running anything.
func TestMain(m *testing.M) {
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/health")
		if err == nil && resp.StatusCode == 200 {
			resp.Body.Close()
			break
		}
		time.Sleep(1 * time.Second)
	}
	if apiKey == "" {
		fmt.Println("API_KEY is not set; authenticated tests will fail")
	}
	os.Exit(m.Run())
}

// =============================================================================
// Helper types and functions
// =============================================================================

type NodeResponse struct {
	ID         string `json:"id"`
	Hostname   string `json:"hostname"`
	MACAddress string `json:"mac_address"`
	Phase      string `json:"phase"`
}

type SessionResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	ErrorMessage string `json:"error_message"`
}

type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

func makeRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	return http.DefaultClient.Do(req)
}

// makeAgentRequest sends without credentials, like a PXE-booted agent.
func makeAgentRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

// registerNode registers a fake agent and heartbeats it to ready.
func registerNode(t *testing.T, hostname, mac string) NodeResponse {
	t.Helper()

	resp, err := makeAgentRequest("POST", "/api/v1/nodes/register", map[string]interface{}{
		"hostname":      hostname,
		"mac_address":   mac,
		"management_ip": "127.0.0.1",
		"agent_port":    9090,
	})
	if err != nil {
		t.Fatalf("register request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("register failed with %d: %s", resp.StatusCode, string(body))
	}

	var node NodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		t.Fatalf("decode node: %v", err)
	}

	resp, err = makeAgentRequest("POST", "/api/v1/nodes/"+node.ID+"/heartbeat", nil)
	if err != nil {
		t.Fatalf("heartbeat request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("heartbeat failed with %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if node.Phase != "ready" {
		t.Fatalf("node not ready after heartbeat: %s", node.Phase)
	}
	return node
}

func uniqueMAC(t *testing.T) string {
	t.Helper()
	n := time.Now().UnixNano()
	return fmt.Sprintf("02:%02x:%02x:%02x:%02x:%02x",
		byte(n>>32), byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// =============================================================================
// Clone session E2E tests
// =============================================================================

func TestClone_CreateGetCancelDelete(t *testing.T) {
	source := registerNode(t, "e2e-src", uniqueMAC(t))
	target := registerNode(t, "e2e-tgt", uniqueMAC(t))

	// 1. Create a direct session
	resp, err := makeRequest("POST", "/api/v1/clone/sessions", map[string]interface{}{
		"name":           fmt.Sprintf("e2e-clone-%d", time.Now().Unix()),
		"mode":           "direct",
		"source_node_id": source.ID,
		"target_node_id": target.ID,
		"source_device":  "/dev/sda",
	})
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create failed with %d: %s", resp.StatusCode, string(body))
	}

	var created SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created session has no ID")
	}
	if created.Status != "pending" {
		t.Errorf("expected pending, got %s", created.Status)
	}
	t.Logf("Created session %s", created.ID)

	// 2. Get it back
	resp, err = makeRequest("GET", "/api/v1/clone/sessions/"+created.ID, nil)
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("get failed with %d: %s", resp.StatusCode, string(body))
	}
	var fetched SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode fetched session: %v", err)
	}
	if fetched.ID != created.ID || fetched.SourceNodeID != source.ID {
		t.Errorf("fetched session does not match: %+v", fetched)
	}

	// 3. It shows up in the list
	resp, err = makeRequest("GET", "/api/v1/clone/sessions?node_id="+source.ID, nil)
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	defer resp.Body.Close()
	var list ListSessionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total < 1 {
		t.Errorf("expected at least one session for node %s", source.ID)
	}

	// 4. An active session cannot be deleted
	resp, err = makeRequest("DELETE", "/api/v1/clone/sessions/"+created.ID, nil)
	if err != nil {
		t.Fatalf("delete request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 409 {
		t.Errorf("expected 409 deleting an active session, got %d", resp.StatusCode)
	}

	// 5. Cancel, then delete
	resp, err = makeRequest("POST", "/api/v1/clone/sessions/"+created.ID+"/cancel", nil)
	if err != nil {
		t.Fatalf("cancel request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("cancel failed with %d: %s", resp.StatusCode, string(body))
	}
	var cancelled SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode cancelled session: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	resp, err = makeRequest("DELETE", "/api/v1/clone/sessions/"+created.ID, nil)
	if err != nil {
		t.Fatalf("delete request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 204 && resp.StatusCode != 200 {
		t.Errorf("delete after cancel returned %d", resp.StatusCode)
	}
}

func TestClone_CreateWithSameSourceAndTarget(t *testing.T) {
	node := registerNode(t, "e2e-same", uniqueMAC(t))

	resp, err := makeRequest("POST", "/api/v1/clone/sessions", map[string]interface{}{
		"mode":           "direct",
		"source_node_id": node.ID,
		"target_node_id": node.ID,
	})
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, string(body))
	}
}

func TestClone_StagedNeedsDiskScan(t *testing.T) {
	source := registerNode(t, "e2e-staged-src", uniqueMAC(t))

	// Without a scan the staging area cannot be sized.
	resp, err := makeRequest("POST", "/api/v1/clone/sessions", map[string]interface{}{
		"mode":           "staged",
		"source_node_id": source.ID,
		"source_device":  "/dev/sda",
	})
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 without disk scan, got %d", resp.StatusCode)
	}

	// Push a scan the way the agent does and retry.
	resp, err = makeAgentRequest("PUT", "/api/v1/nodes/"+source.ID+"/disks/sda", map[string]interface{}{
		"size_bytes":      1 << 30,
		"partition_table": "gpt",
		"scanned_at":      time.Now().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("scan push failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Fatalf("scan push returned %d", resp.StatusCode)
	}

	resp, err = makeRequest("POST", "/api/v1/clone/sessions", map[string]interface{}{
		"mode":           "staged",
		"source_node_id": source.ID,
		"source_device":  "/dev/sda",
	})
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("staged create failed with %d: %s", resp.StatusCode, string(body))
	}
	var created SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created session: %v", err)
	}

	// Clean up.
	resp, _ = makeRequest("POST", "/api/v1/clone/sessions/"+created.ID+"/cancel", nil)
	if resp != nil {
		resp.Body.Close()
	}
}

// =============================================================================
// Auth E2E tests
// =============================================================================

func TestAuth_UnauthenticatedAccess(t *testing.T) {
	resp, err := makeAgentRequest("GET", "/api/v1/clone/sessions", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("expected 401 without credentials, got %d", resp.StatusCode)
	}
}

func TestAuth_InvalidKey(t *testing.T) {
	req, _ := http.NewRequest("GET", baseURL+"/api/v1/clone/sessions", nil)
	req.Header.Set("Authorization", "Bearer ipx_bogus_key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Errorf("expected 401 for a bogus key, got %d", resp.StatusCode)
	}
}

// =============================================================================
// Health E2E tests
// =============================================================================

func TestHealth_Endpoint(t *testing.T) {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealth_Ready(t *testing.T) {
	resp, err := http.Get(baseURL + "/ready")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealth_Live(t *testing.T) {
	resp, err := http.Get(baseURL + "/live")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
