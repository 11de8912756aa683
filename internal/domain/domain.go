package domain

// Task is the sole durable entity. JSON-array columns (steps, notes) are
// carried as raw JSON strings and decoded at the edges.
type Task struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	EnhancedTitle *string `json:"enhanced_title,omitempty"`
	StepsJSON     *string `json:"steps_json,omitempty"`
	Completed     bool    `json:"completed"`
	UserID        *string `json:"user_id,omitempty"`
	UserEmail     *string `json:"user_email,omitempty"`
	Source        *string `json:"source,omitempty"`
	NotesJSON     *string `json:"notes_json,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Task provenance channels.
const (
	SourceWeb      = "web"
	SourceWhatsApp = "whatsapp"
)

// Note is one entry of a task's append-only notes array.
type Note struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	User          string         `json:"user"`
	At            string         `json:"at" format:"date-time"`
	AIImprovement map[string]any `json:"ai_improvement,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}
