package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendMessage_Success(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, 5*time.Second)
	if err := g.SendMessage(context.Background(), "+14155550100", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if got.To != "+14155550100" || got.Message != "hello" {
		t.Errorf("unexpected request payload: %+v", got)
	}
}

func TestSendMessage_ErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limit exceeded"))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, 5*time.Second)
	err := g.SendMessage(context.Background(), "+14155550100", "hello")
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Errorf("error %q should carry status and body", err)
	}
}

func TestIsChannelConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("channel") != "primary" {
			t.Errorf("unexpected channel %q", r.URL.Query().Get("channel"))
		}
		json.NewEncoder(w).Encode(statusResponse{Connected: true})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, 5*time.Second)
	if !g.IsChannelConnected(context.Background(), "primary") {
		t.Error("expected channel to be connected")
	}
}

func TestIsChannelConnected_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	srv.Close() // connection refused

	g := NewHTTPGateway(srv.URL, time.Second)
	if g.IsChannelConnected(context.Background(), "primary") {
		t.Error("expected unreachable gateway to report not connected")
	}
}
