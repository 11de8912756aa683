// Package policy decides which tasks a viewer may see and what they may do
// to them. Tasks arrive through two channels: authenticated web submissions
// (owner fields set from the session) and the WhatsApp workflow (no owner,
// source tagged "whatsapp"). WhatsApp tasks are communal: any authenticated
// viewer may act on them.
//
// The store has no version tokens; concurrent writers race and the last
// write wins. Callers that need stronger guarantees must serialize above
// this layer.
package policy

import (
	"errors"
	"fmt"

	"taskfeed/internal/domain"
)

// Viewer is the authenticated identity attached to a request. The zero
// value is an anonymous caller.
type Viewer struct {
	ID    string
	Email string
}

func (v Viewer) Anonymous() bool {
	return v.ID == "" && v.Email == ""
}

type Action string

const (
	ActionUpdate     Action = "update"
	ActionAppendNote Action = "append_note"
	ActionDelete     Action = "delete"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("not authorized for this task")
)

// IsCommunal reports whether a task belongs to the unauthenticated channel
// and is therefore shared with every authenticated viewer.
func IsCommunal(t domain.Task) bool {
	return t.Source != nil && *t.Source == domain.SourceWhatsApp
}

// OwnedBy matches the viewer against the task's owner id or owner email.
func OwnedBy(v Viewer, t domain.Task) bool {
	if v.Anonymous() {
		return false
	}
	if v.ID != "" && t.UserID != nil && *t.UserID == v.ID {
		return true
	}
	if v.Email != "" && t.UserEmail != nil && *t.UserEmail == v.Email {
		return true
	}
	return false
}

// Visible reports whether a task shows up in the viewer's expanded listing.
func Visible(v Viewer, t domain.Task) bool {
	return OwnedBy(v, t) || IsCommunal(t)
}

// Authorize checks a mutating action against a task. Update and append_note
// only require authentication; ownership is deliberately not enforced so
// that collaborators (and WhatsApp tasks) stay editable by everyone.
// Delete requires ownership or a communal task.
func Authorize(v Viewer, t domain.Task, a Action) error {
	if v.Anonymous() {
		return ErrUnauthenticated
	}
	switch a {
	case ActionUpdate, ActionAppendNote:
		return nil
	case ActionDelete:
		if OwnedBy(v, t) || IsCommunal(t) {
			return nil
		}
		return ErrForbidden
	}
	return fmt.Errorf("unknown action %q", a)
}
