package daemon_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/parla/internal/api"
	"github.com/matheus3301/parla/internal/backend"
	"github.com/matheus3301/parla/internal/config"
	"github.com/matheus3301/parla/internal/daemon"
	"github.com/matheus3301/parla/internal/lock"
	"github.com/matheus3301/parla/internal/profile"
	"github.com/matheus3301/parla/internal/relay"
	"github.com/matheus3301/parla/internal/store"
)

// startRelay serves a relay backed by a fresh sqlite database.
func startRelay(t *testing.T, dir string) string {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	local := backend.NewLocal(db, 12*time.Hour, nil)
	srv := relay.NewServer(relay.NewHub(relay.NewMessageArchiver(local), nil), local, nil, relay.ServerOptions{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func testConfig(relayURL, local, partner string) *config.Config {
	cfg := config.Default()
	cfg.Relay.URL = relayURL
	cfg.Language.Local = local
	cfg.Language.Partner = partner
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxInterval = 50 * time.Millisecond
	cfg.Sync.ReadinessDelay = 50 * time.Millisecond
	return cfg
}

func setupHome(t *testing.T) string {
	t.Helper()
	// Use a short path to avoid the 104-char Unix socket limit.
	home, err := os.MkdirTemp("/tmp", "parla-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("PARLA_HOME", home)
	return home
}

func dial(t *testing.T, name string) *api.Client {
	t.Helper()
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTwoDaemonsConverse(t *testing.T) {
	ctx := context.Background()
	home := setupHome(t)
	relayURL := startRelay(t, home)

	hostApp := fxtest.New(t, fx.NopLogger, daemon.Module(daemon.Params{Profile: "host", Config: testConfig(relayURL, "en", "es")}))
	hostApp.RequireStart()
	defer hostApp.RequireStop()
	guestApp := fxtest.New(t, fx.NopLogger, daemon.Module(daemon.Params{Profile: "guest", Config: testConfig(relayURL, "es", "en")}))
	guestApp.RequireStart()
	defer guestApp.RequireStop()

	host, guest := dial(t, "host"), dial(t, "guest")

	st, err := host.Session.GetStatus(ctx, &api.GetStatusRequest{})
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	if st.Profile != "host" || st.Session != nil {
		t.Errorf("status = %+v, want host profile without session", st)
	}

	created, err := host.Session.CreateSession(ctx, &api.CreateSessionRequest{})
	if err != nil {
		t.Fatalf("CreateSession error = %v", err)
	}
	joined, err := guest.Session.JoinSession(ctx, &api.JoinSessionRequest{Code: created.Session.Code})
	if err != nil {
		t.Fatalf("JoinSession error = %v", err)
	}
	if joined.Session.PartnerID != created.Session.UserID {
		t.Errorf("guest partner = %q, want %q", joined.Session.PartnerID, created.Session.UserID)
	}

	eventually(t, "host sees guest online", func() bool {
		st, err := host.Session.GetStatus(ctx, &api.GetStatusRequest{})
		return err == nil && st.Connection == "connected" && st.Partner != nil && st.Partner.Online
	})

	sent, err := guest.Message.SendText(ctx, &api.SendTextRequest{Text: "hola"})
	if err != nil {
		t.Fatalf("SendText error = %v", err)
	}
	eventually(t, "host receives message", func() bool {
		resp, err := host.Message.ListMessages(ctx, &api.ListMessagesRequest{})
		if err != nil {
			return false
		}
		for _, m := range resp.Messages {
			if m.ID == sent.Message.ID {
				return m.Translation == "hola" && m.TargetLang == "en" && m.Status == "displayed"
			}
		}
		return false
	})
}

func TestRestartResumesSession(t *testing.T) {
	ctx := context.Background()
	home := setupHome(t)
	relayURL := startRelay(t, home)
	cfg := testConfig(relayURL, "en", "es")

	first := fxtest.New(t, fx.NopLogger, daemon.Module(daemon.Params{Profile: "main", Config: cfg}))
	first.RequireStart()
	created, err := dial(t, "main").Session.CreateSession(ctx, &api.CreateSessionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	first.RequireStop()

	second := fxtest.New(t, fx.NopLogger, daemon.Module(daemon.Params{Profile: "main", Config: cfg}))
	second.RequireStart()
	defer second.RequireStop()

	st, err := dial(t, "main").Session.GetStatus(ctx, &api.GetStatusRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Session == nil || st.Session.SessionID != created.Session.SessionID {
		t.Errorf("restored session = %+v, want %s", st.Session, created.Session.SessionID)
	}
}

func TestSecondDaemonOnProfileFails(t *testing.T) {
	home := setupHome(t)
	cfg := testConfig(startRelay(t, home), "en", "es")

	first := fxtest.New(t, fx.NopLogger, daemon.Module(daemon.Params{Profile: "main", Config: cfg}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(fx.NopLogger, daemon.Module(daemon.Params{
		Profile:    "main",
		SocketPath: filepath.Join(home, "second.sock"),
		Config:     cfg,
	}))
	var held *lock.HeldError
	if err := second.Err(); !errors.As(err, &held) {
		t.Fatalf("second daemon err = %v, want *lock.HeldError", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", held.PID, os.Getpid())
	}
}
