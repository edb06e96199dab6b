// ============================================================================
// bulkwrite Integration Test Suite
// ============================================================================
//
// Package: test/integration
// File: helpers_test.go
// Functionality: End-to-end tests of the full write path
//
//   registry -> insert-content executor -> orchestrator -> worker pool
//     -> apiclient -> HTTP (fake outline API)
//
// The fake API is an httptest server that creates one node per content
// line, sleeps a fixed latency per request and can fail chosen roots.
//
// ============================================================================

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkwrite/internal/apiclient"
	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// outlineAPI is an in-memory outline service behind HTTP
type outlineAPI struct {
	mu       sync.Mutex
	nodes    int
	requests int
	inFlight int
	peak     int
	latency  time.Duration
	failRoot string // root line whose inserts return 503
}

func (a *outlineAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/nodes/insert" {
		http.NotFound(w, r)
		return
	}
	var req struct {
		ParentID string `json:"parent_id"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	a.requests++
	a.inFlight++
	a.peak = max(a.peak, a.inFlight)
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}()

	select {
	case <-time.After(a.latency):
	case <-r.Context().Done():
		return
	}

	lines := strings.Split(strings.TrimRight(req.Content, "\n"), "\n")
	if a.failRoot != "" && strings.TrimSpace(lines[0]) == a.failRoot {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	a.mu.Lock()
	nodes := make([]types.CreatedNode, 0, len(lines))
	for _, line := range lines {
		a.nodes++
		nodes = append(nodes, types.CreatedNode{ID: fmt.Sprintf("node-%d", a.nodes), Name: strings.TrimSpace(line)})
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"nodes": nodes})
}

func (a *outlineAPI) stats() (nodes, requests, peak int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes, a.requests, a.peak
}

// startAPI serves api and returns a client for it
func startAPI(t testing.TB, api *outlineAPI) *apiclient.Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client, err := apiclient.New(apiclient.Config{BaseURL: srv.URL, APIKey: "test"})
	require.NoError(t, err)
	return client
}

// makeOutline builds sections top-level nodes with items children each
func makeOutline(sections, items int) string {
	var b strings.Builder
	for s := 0; s < sections; s++ {
		fmt.Fprintf(&b, "Section %d\n", s)
		for i := 0; i < items; i++ {
			fmt.Fprintf(&b, "  Item %d.%d\n", s, i)
		}
	}
	return b.String()
}
