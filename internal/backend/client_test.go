package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientMapsStatusCodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/codes/{code}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("code") != "4821" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(Session{ID: "s1", Code: "4821", Participants: []string{"host"}})
	})
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database is locked", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	s, err := c.JoinSession(ctx, "4821")
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "s1" || len(s.Participants) != 1 {
		t.Errorf("session = %+v", s)
	}

	if _, err := c.JoinSession(ctx, "0000"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown code err = %v, want ErrNotFound", err)
	}

	_, err = c.CreateSession(ctx)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Errorf("CreateSession err = %v, want *StatusError 500", err)
	}
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, nil)
	if _, err := c.ValidateSession(context.Background(), "1234"); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want a transport error", err)
	}
}
