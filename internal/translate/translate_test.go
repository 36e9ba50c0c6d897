package translate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/retry"
)

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"en", "en", false},
		{"EN", "en", false},
		{"pt-br", "pt-BR", false},
		{"not a tag", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeLanguage(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPassthrough(t *testing.T) {
	ctx := context.Background()
	got, err := Passthrough{}.Translate(ctx, "hello", "en", "es")
	if err != nil || got != "hello" {
		t.Errorf("Translate = %q, %v", got, err)
	}
	if _, err := (Passthrough{}).Translate(ctx, "hello", "en", "??"); !apperr.Is(err, apperr.CodeValidation) {
		t.Errorf("bad target err = %v", err)
	}
	if _, err := (Passthrough{}).Transcribe(ctx, []byte{0xff, 0xfe}); !apperr.Is(err, apperr.CodeValidation) {
		t.Errorf("binary audio err = %v", err)
	}
}

type flaky struct {
	fails int
	calls int
	err   error
}

func (f *flaky) Translate(_ context.Context, text, _, _ string) (string, error) {
	f.calls++
	if f.calls <= f.fails {
		return "", f.err
	}
	return "ok:" + text, nil
}

func fast(attempts int) retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxAttempts: attempts}
}

func TestRetryingRecovers(t *testing.T) {
	f := &flaky{fails: 2, err: errors.New("provider busy")}
	r := &Retrying{Translator: f, Policy: fast(3)}
	got, err := r.Translate(context.Background(), "hi", "en", "es")
	if err != nil || got != "ok:hi" || f.calls != 3 {
		t.Errorf("got %q err %v calls %d", got, err, f.calls)
	}
}

func TestRetryingGivesUp(t *testing.T) {
	f := &flaky{fails: 10, err: errors.New("provider down")}
	r := &Retrying{Translator: f, Policy: fast(3)}
	if _, err := r.Translate(context.Background(), "hi", "en", "es"); err == nil {
		t.Fatal("expected error")
	}
	if f.calls != 3 {
		t.Errorf("calls = %d, want 3", f.calls)
	}
}

func TestRetryingSkipsValidation(t *testing.T) {
	f := &flaky{fails: 10, err: apperr.New(apperr.CodeValidation, "bad input")}
	r := &Retrying{Translator: f, Policy: fast(5)}
	_, err := r.Translate(context.Background(), "hi", "en", "es")
	if !apperr.Is(err, apperr.CodeValidation) || f.calls != 1 {
		t.Errorf("err = %v calls = %d", err, f.calls)
	}
}
