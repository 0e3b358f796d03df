package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/towdyouso/internal/runtime"
)

func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestBraveSearchName(t *testing.T) {
	b := NewBraveSearch("test-key")
	if b.Describe().Name != "web_search" {
		t.Errorf("expected 'web_search', got %q", b.Describe().Name)
	}
}

func TestBraveSearchRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "test-key" {
			t.Error("missing API key header")
		}
		if r.URL.Query().Get("q") != "sf street cleaning" {
			t.Errorf("unexpected query: %s", r.URL.Query().Get("q"))
		}
		if r.URL.Query().Get("count") != "2" {
			t.Errorf("unexpected count: %s", r.URL.Query().Get("count"))
		}
		json.NewEncoder(w).Encode(braveResponse{
			Web: braveWeb{
				Results: []braveResult{
					{Title: "Street Cleaning", URL: "https://sfpublicworks.org/sweeping", Description: "Schedules"},
					{Title: "SFMTA Parking", URL: "https://sfmta.com/parking", Description: "Rules"},
				},
			},
		})
	}))
	defer server.Close()

	b := NewBraveSearch("test-key")
	b.baseURL = server.URL

	args, _ := json.Marshal(map[string]any{"query": "sf street cleaning", "count": 2})
	res := b.Run(context.Background(), args, runtime.ToolContext{})
	if res.Failed() {
		t.Fatal(res.Err)
	}
	results := res.Value.(map[string]any)["results"].([]braveResult)
	if len(results) != 2 || results[0].URL != "https://sfpublicworks.org/sweeping" {
		t.Errorf("unexpected results %+v", results)
	}
}

func TestBraveSearchNoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(braveResponse{})
	}))
	defer server.Close()

	b := NewBraveSearch("test-key")
	b.baseURL = server.URL

	args, _ := json.Marshal(map[string]string{"query": "xyznonexistent"})
	res := b.Run(context.Background(), args, runtime.ToolContext{})
	if res.Failed() {
		t.Fatal(res.Err)
	}
	if string(res.JSON()) != `{"query":"xyznonexistent","results":[]}` {
		t.Errorf("expected empty results, got %s", res.JSON())
	}
}

func TestBraveSearchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(braveResponse{})
	}))
	defer server.Close()

	b := NewBraveSearch("test-key")
	b.baseURL = server.URL
	b.retry = fastRetry()

	res := b.Run(context.Background(), json.RawMessage(`{"query":"x"}`), runtime.ToolContext{})
	if res.Failed() {
		t.Fatalf("expected success after retry, got %v", res.Err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", hits.Load())
	}
}

func TestBraveSearchAuthErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	b := NewBraveSearch("bad-key")
	b.baseURL = server.URL
	b.retry = fastRetry()

	res := b.Run(context.Background(), json.RawMessage(`{"query":"x"}`), runtime.ToolContext{})
	if !res.Failed() {
		t.Fatal("expected failure")
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single request, got %d", hits.Load())
	}
}
