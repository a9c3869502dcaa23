package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestRunWithBackoffStopsOnNilError(t *testing.T) {
	calls := 0
	RunWithBackoff(context.Background(), zerolog.Nop(), "test", func(context.Context) error {
		calls++
		return nil
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunWithBackoffStopsOnContextCanceled(t *testing.T) {
	calls := 0
	RunWithBackoff(context.Background(), zerolog.Nop(), "test", func(context.Context) error {
		calls++
		return context.Canceled
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunWithBackoffRetriesOnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	RunWithBackoff(ctx, zerolog.Nop(), "test", func(context.Context) error {
		calls++
		if calls >= 2 {
			cancel()
		}
		return errors.New("transient")
	})
	if calls < 2 {
		t.Errorf("calls = %d, want at least 2 retries before giving up", calls)
	}
}
