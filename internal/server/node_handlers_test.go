package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Metrics.Enabled = false
	cfg.CA.DataDir = t.TempDir()
	cfg.Staging.PathRoot = t.TempDir()

	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, plaintext, err := srv.authService.CreateAPIKey(context.Background(), "test-admin", domain.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return srv, plaintext
}

func (s *Server) do(t *testing.T, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestQueueOperationRejectsMove(t *testing.T) {
	srv, key := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/nodes/node-a/operations", key, map[string]interface{}{
		"device":    "/dev/sda",
		"operation": "move",
		"params":    map[string]interface{}{"partition": 2,"new_start_bytes": 1 << 20},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 queueing a move, got %d: %s", rec.Code, rec.Body.String())
	}

	// The same queue still takes operator-facing operation kinds.
	if err := srv.diskRepo.Upsert(context.Background(), &domain.DiskInfo{
		NodeID:         "node-a",
		Device:         "/dev/sda",
		SizeBytes:      100 << 30,
		PartitionTable: domain.PartitionTableGPT,
		Partitions: []domain.Partition{
			{Number: 1, StartBytes: 1 << 20, EndBytes: 10 << 30, SizeBytes: 10 << 30, Filesystem: "ext4"},
		},
		ScannedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Upsert scan: %v", err)
	}
	rec = srv.do(t, http.MethodPost, "/api/v1/nodes/node-a/operations", key, map[string]interface{}{
		"device":    "/dev/sda",
		"operation": "set_flag",
		"params":    map[string]interface{}{"partition": 1, "flag": "boot", "value": true},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 queueing a set_flag, got %d: %s", rec.Code, rec.Body.String())
	}
}
