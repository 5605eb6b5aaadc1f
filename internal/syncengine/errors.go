package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentworkforce/inboxsync/internal/classify"
	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/ledger"
	"github.com/agentworkforce/inboxsync/internal/notion"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindTransientRemote Kind = "transient_remote"
	KindRemote          Kind = "remote"
	KindStorage         Kind = "storage"
	KindClassification  Kind = "classification"
	KindCanceled        Kind = "canceled"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrAuth            = errors.New("remote authentication failed")
	ErrTransientRemote = errors.New("transient remote failure")
	ErrRemote          = errors.New("remote failure")
	ErrStorage         = errors.New("storage failure")
	ErrClassification  = errors.New("classification failure")
	ErrCanceled        = errors.New("canceled")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindAuth:
		return ErrAuth
	case KindTransientRemote:
		return ErrTransientRemote
	case KindStorage:
		return ErrStorage
	case KindClassification:
		return ErrClassification
	case KindCanceled:
		return ErrCanceled
	default:
		return ErrRemote
	}
}

// Error carries the taxonomy kind and where it happened.
type Error struct {
	Kind      Kind
	Op        string
	ProjectID string
	ItemID    string
	Err       error
}

func (e *Error) Error() string {
	where := e.Op
	if e.ProjectID != "" {
		where += " project=" + e.ProjectID
	}
	if e.ItemID != "" {
		where += " item=" + e.ItemID
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", where, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", where, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newError(kind Kind, op, projectID, itemID string, err error) *Error {
	return &Error{Kind: kind, Op: op, ProjectID: projectID, ItemID: itemID, Err: err}
}

// Classify maps an error from any lower layer onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	switch {
	case errors.Is(err, notion.ErrUnauthorized):
		return KindAuth
	case errors.Is(err, ledger.ErrStorage), errors.Is(err, inbox.ErrStorage):
		return KindStorage
	case errors.Is(err, notion.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return KindTransientRemote
	case errors.Is(err, classify.ErrClassification):
		return KindClassification
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidRecord), errors.Is(err, inbox.ErrInvalidItem):
		return KindValidation
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindRemote
	}
}
