package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskfeed/internal/domain"
)

// Enrichment is the slice of a workflow response the resolver acts on.
// Raw keeps the full payload so it can be attached to the note verbatim.
type Enrichment struct {
	Title string
	Steps []any
	Raw   map[string]any
}

// FieldProposal lists task field updates the caller should commit together
// with the new notes array. Nil fields are left untouched.
type FieldProposal struct {
	EnhancedTitle *string
	StepsJSON     *string
}

// ApplyNote appends a fresh note to the task's note sequence and returns
// the full sequence plus proposed field updates derived from the
// enrichment result. Earlier notes are never modified. The function does
// not commit anything; two calls with identical inputs produce two
// distinct notes.
func ApplyNote(t domain.Task, authorEmail, text string, enr *Enrichment, now time.Time) ([]domain.Note, FieldProposal, error) {
	notes := DecodeNotes(t)
	note := domain.Note{
		ID:   uuid.NewString(),
		Text: text,
		User: authorEmail,
		At:   now.UTC().Format(time.RFC3339),
	}
	var prop FieldProposal
	if enr != nil {
		note.AIImprovement = enr.Raw
		if enr.Title != "" && enr.Title != t.Title {
			title := enr.Title
			prop.EnhancedTitle = &title
		}
		if len(enr.Steps) > 0 {
			b, err := json.Marshal(enr.Steps)
			if err != nil {
				return nil, FieldProposal{}, fmt.Errorf("marshal steps: %w", err)
			}
			s := string(b)
			prop.StepsJSON = &s
		}
	}
	return append(notes, note), prop, nil
}

// DecodeNotes parses the task's notes column. A missing or malformed
// column yields an empty sequence rather than an error; the original data
// lives in a schemaless JSON column and older rows may hold anything.
func DecodeNotes(t domain.Task) []domain.Note {
	if t.NotesJSON == nil || *t.NotesJSON == "" {
		return nil
	}
	var notes []domain.Note
	if err := json.Unmarshal([]byte(*t.NotesJSON), &notes); err != nil {
		return nil
	}
	return notes
}

// EncodeNotes serializes a note sequence for storage.
func EncodeNotes(notes []domain.Note) (string, error) {
	b, err := json.Marshal(notes)
	if err != nil {
		return "", fmt.Errorf("marshal notes: %w", err)
	}
	return string(b), nil
}
