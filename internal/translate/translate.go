// Package translate holds the language provider contracts consumed by the
// translation pipeline, plus local implementations.
package translate

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/retry"
)

// Translator turns text in one language into another.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Transcriber turns captured audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// NormalizeLanguage parses a BCP 47 tag and returns its canonical form.
func NormalizeLanguage(tag string) (string, error) {
	t, err := language.Parse(tag)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, fmt.Sprintf("invalid language %q", tag), err)
	}
	return t.String(), nil
}

// Passthrough returns its input unchanged. It stands in for a real
// provider during local development.
type Passthrough struct{}

func (Passthrough) Translate(_ context.Context, text, from, to string) (string, error) {
	if _, err := NormalizeLanguage(from); err != nil {
		return "", err
	}
	if _, err := NormalizeLanguage(to); err != nil {
		return "", err
	}
	return text, nil
}

// Transcribe treats the audio bytes as UTF-8 text.
func (Passthrough) Transcribe(_ context.Context, audio []byte) (string, error) {
	if !utf8.Valid(audio) {
		return "", apperr.New(apperr.CodeValidation, "audio is not a text capture")
	}
	return string(audio), nil
}

// Retrying applies a retry policy to a provider. Validation errors are
// never retried.
type Retrying struct {
	Translator  Translator
	Transcriber Transcriber
	Policy      retry.Policy
	Logger      *zap.Logger
}

func (r *Retrying) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Retrying) Translate(ctx context.Context, text, from, to string) (string, error) {
	if r.Translator == nil {
		return "", errors.New("no translator configured")
	}
	var out string
	attempt := 0
	err := retry.Do(ctx, r.Policy, func(ctx context.Context) error {
		attempt++
		var err error
		out, err = r.Translator.Translate(ctx, text, from, to)
		return r.classify("translate", attempt, err)
	})
	return out, err
}

func (r *Retrying) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if r.Transcriber == nil {
		return "", errors.New("no transcriber configured")
	}
	var out string
	attempt := 0
	err := retry.Do(ctx, r.Policy, func(ctx context.Context) error {
		attempt++
		var err error
		out, err = r.Transcriber.Transcribe(ctx, audio)
		return r.classify("transcribe", attempt, err)
	})
	return out, err
}

func (r *Retrying) classify(op string, attempt int, err error) error {
	if err == nil {
		return nil
	}
	if apperr.Is(err, apperr.CodeValidation) {
		return retry.Permanent(err)
	}
	r.logger().Warn(op+" failed", zap.Int("attempt", attempt), zap.Error(err))
	return err
}
