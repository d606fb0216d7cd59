package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPostLoginsOnceThenSucceeds(t *testing.T) {
	loginCalls := 0
	postCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		loginCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "opaque-token-1"})
	})
	mux.HandleFunc("/motoristas", func(w http.ResponseWriter, r *http.Request) {
		postCalls++
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 0, "mensagem": "ok"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{LoginURL: srv.URL + "/login", BaseURL: srv.URL, User: "u", Password: "p"})
	resp, err := c.Post(context.Background(), "/motoristas", map[string]any{"cpf": "123"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loginCalls != 1 {
		t.Fatalf("loginCalls = %d, want 1", loginCalls)
	}
	if postCalls != 1 {
		t.Fatalf("postCalls = %d, want 1", postCalls)
	}
}

func TestPostRetriesOnceOn401(t *testing.T) {
	loginCalls := 0
	postCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		loginCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "tok"})
	})
	mux.HandleFunc("/endpoint", func(w http.ResponseWriter, r *http.Request) {
		postCalls++
		if postCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 0})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{LoginURL: srv.URL + "/login", BaseURL: srv.URL, User: "u", Password: "p"})
	resp, err := c.Post(context.Background(), "/endpoint", map[string]any{})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if loginCalls != 2 {
		t.Fatalf("loginCalls = %d, want 2 (initial + re-auth)", loginCalls)
	}
	if postCalls != 2 {
		t.Fatalf("postCalls = %d, want 2 (original + retry)", postCalls)
	}
}

func TestLoginProbesCandidatesWhenEnabled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/v1/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok2"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{
		LoginURL: srv.URL + "/login", BaseURL: srv.URL, User: "u", Password: "p",
		ProbeLoginPath: true, ProbePaths: []string{"/login", "/v1/login"},
	})
	if err := c.login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if c.currentToken() != "tok2" {
		t.Fatalf("token = %q, want tok2", c.currentToken())
	}
}
