package server

import (
	"encoding/json"

	"taskfeed/internal/domain"
	"taskfeed/internal/policy"
)

// Request payloads

type CreateTaskRequest struct {
	Title string `json:"title"`
}

type UpdateTaskRequest struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	Steps     []any   `json:"steps,omitempty"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type SendWARequest struct {
	Body   string `json:"body"`
	Number string `json:"number,omitempty"`
}

type InboundWARequest struct {
	Body   string `json:"body"`
	Number string `json:"number,omitempty"`
}

type ChatRequest struct {
	UserEmail string `json:"user_email,omitempty"`
	Message   string `json:"message"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	EnhancedTitle *string       `json:"enhanced_title,omitempty"`
	Steps         []any         `json:"steps,omitempty"`
	Completed     bool          `json:"completed"`
	UserID        *string       `json:"user_id,omitempty"`
	UserEmail     *string       `json:"user_email,omitempty"`
	Source        *string       `json:"source,omitempty"`
	Notes         []domain.Note `json:"notes,omitempty"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
}

type NoteResult struct {
	OK    bool          `json:"ok"`
	Notes []domain.Note `json:"notes"`
	Task  TaskResponse  `json:"task"`
}

type DeleteResult struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Title:         t.Title,
		EnhancedTitle: t.EnhancedTitle,
		Steps:         decodeJSONSlice(t.StepsJSON),
		Completed:     t.Completed,
		UserID:        t.UserID,
		UserEmail:     t.UserEmail,
		Source:        t.Source,
		Notes:         policy.DecodeNotes(t),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskResponse(t))
	}
	return res
}

func decodeJSONSlice(raw *string) []any {
	if raw == nil || *raw == "" {
		return nil
	}
	var arr []any
	if err := json.Unmarshal([]byte(*raw), &arr); err != nil {
		return nil
	}
	return arr
}
