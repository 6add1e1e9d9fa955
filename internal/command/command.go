// Package command turns user input into queued work. A Command is validated
// first; only a command without errors produces Actions.
package command

import (
	"context"
	"errors"

	"keepsake/internal/action"
	"keepsake/internal/devicemgr"
	"keepsake/internal/domain"
)

var (
	ErrValidation   = errors.New("invalid arguments")
	ErrNotValidated = errors.New("command used before validation")
	ErrDeclined     = errors.New("substitution declined")
)

type Command interface {
	Validate(ctx context.Context)
	Errors() []string
	Messages() []string
	// Actions returns nothing when validation failed.
	Actions(ctx context.Context) []*action.Action
}

// Allocator negotiates devices with the device manager.
type Allocator interface {
	CheckDevice(ctx context.Context, path string, size uint64) (devicemgr.Reply, error)
	GetDevice(ctx context.Context, size uint64) (devicemgr.Reply, error)
}

// Catalog is what commands read from and actions write to.
type Catalog interface {
	action.Catalog
	ListDevices(ctx context.Context) ([]domain.Device, error)
	FileExists(ctx context.Context, path string) (bool, error)
	FoldersUnder(ctx context.Context, path string) ([]domain.Folder, error)
}

// Prompter asks the user a yes/no question.
type Prompter interface {
	Confirm(question string) (bool, error)
}

// report accumulates the errors and messages of one command.
type report struct {
	validated bool
	errs      []error
	messages  []string
}

func (r *report) fail(err error)     { r.errs = append(r.errs, err) }
func (r *report) note(msg string)    { r.messages = append(r.messages, msg) }
func (r *report) Messages() []string { return append([]string(nil), r.messages...) }
func (r *report) Err() error         { return errors.Join(r.errs...) }
func (r *report) failed() bool       { return len(r.errs) > 0 }

func (r *report) Errors() []string {
	out := make([]string, 0, len(r.errs))
	for _, err := range r.errs {
		out = append(out, err.Error())
	}
	return out
}

// ready reports whether Actions may proceed.
func (r *report) ready() bool {
	if !r.validated {
		r.fail(ErrNotValidated)
		return false
	}
	return !r.failed()
}
