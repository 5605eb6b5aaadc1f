package syncengine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agentworkforce/inboxsync/internal/classify"
	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/ledger"
	"github.com/agentworkforce/inboxsync/internal/notion"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"engine error", newError(KindValidation, "run", "a", "", errors.New("bad")), KindValidation},
		{"unauthorized", &notion.APIError{StatusCode: 401}, KindAuth},
		{"throttled", &notion.APIError{StatusCode: 429, Attempts: 5}, KindTransientRemote},
		{"network", &notion.APIError{Attempts: 5, Err: errors.New("connection reset")}, KindTransientRemote},
		{"not found", &notion.APIError{StatusCode: 404}, KindRemote},
		{"bad request", &notion.APIError{StatusCode: 400}, KindRemote},
		{"ledger storage", &ledger.StorageError{Op: "upsert", Err: errors.New("disk full")}, KindStorage},
		{"inbox storage", &inbox.StorageError{Op: "read inbox", Err: errors.New("eio")}, KindStorage},
		{"invalid record", fmt.Errorf("write: %w", ledger.ErrInvalidRecord), KindValidation},
		{"classification", &classify.ClassificationError{Provider: "x", Reason: "timeout"}, KindClassification},
		{"deadline", context.DeadlineExceeded, KindTransientRemote},
		{"canceled", context.Canceled, KindCanceled},
		{"unknown", errors.New("boom"), KindRemote},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := newError(KindStorage, "ledger write", "alpha", "note", errors.New("disk full"))
	if !errors.Is(err, ErrStorage) || errors.Is(err, ErrRemote) {
		t.Fatalf("unexpected sentinel matching for %v", err)
	}
	wrapped := fmt.Errorf("run: %w", err)
	if Classify(wrapped) != KindStorage {
		t.Fatalf("wrapped engine error lost its kind")
	}
	if got := err.Error(); got != "ledger write project=alpha item=note: storage: disk full" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestProjectGateSerializesSameProject(t *testing.T) {
	gate := NewProjectGate()
	release, err := gate.Acquire(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	other, err := gate.Acquire(context.Background(), "beta")
	if err != nil {
		t.Fatalf("other projects must not wait: %v", err)
	}
	other()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gate.Acquire(ctx, "alpha"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second acquire to wait, got %v", err)
	}

	release()
	release()
	again, err := gate.Acquire(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}
