package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

func gateConfig(url string) config.LifecycleConfig {
	return config.LifecycleConfig{GateURL: url, Timeout: 2 * time.Second}
}

func TestHTTPGate_Approves(t *testing.T) {
	var got ApprovalRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	g := NewHTTPGate(gateConfig(ts.URL), zap.NewNop())
	err := g.Authorize(context.Background(), ApprovalRequest{
		SessionName:  "web-01 reimage",
		Mode:         "direct",
		SourceNodeID: "node-a",
		TargetNodeID: "node-b",
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got.SourceNodeID != "node-a" || got.Mode != "direct" {
		t.Errorf("gate received %+v, want the request fields forwarded", got)
	}
}

func TestHTTPGate_DeniesWithReason(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"reason": "node-a is pending decommission"})
	}))
	defer ts.Close()

	g := NewHTTPGate(gateConfig(ts.URL), zap.NewNop())
	err := g.Authorize(context.Background(), ApprovalRequest{SourceNodeID: "node-a"})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("Authorize() error = %v, want ErrPermissionDenied", err)
	}
	if !strings.Contains(err.Error(), "pending decommission") {
		t.Errorf("Authorize() error = %v, want the gate's reason included", err)
	}
}

func TestHTTPGate_FailsClosedWhenUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	ts.Close() // connection refused from here on

	g := NewHTTPGate(gateConfig(ts.URL), zap.NewNop())
	err := g.Authorize(context.Background(), ApprovalRequest{SourceNodeID: "node-a"})
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Errorf("Authorize() error = %v, want ErrUnavailable", err)
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig(gateConfig(""), zap.NewNop()).(AllowAll); !ok {
		t.Error("FromConfig() without URL should return AllowAll")
	}
	if _, ok := FromConfig(gateConfig("http://gate.internal"), zap.NewNop()).(*HTTPGate); !ok {
		t.Error("FromConfig() with URL should return an HTTPGate")
	}

	if err := (AllowAll{}).Authorize(context.Background(), ApprovalRequest{}); err != nil {
		t.Errorf("AllowAll.Authorize() error = %v", err)
	}
}
