package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"taskfeed/internal/config"
	"taskfeed/internal/domain"
	"taskfeed/internal/enrich"
	"taskfeed/internal/events"
	"taskfeed/internal/policy"
	"taskfeed/internal/repo"
	"taskfeed/internal/wa"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Enricher *enrich.Client
	Chat     *enrich.ChatClient
	WA       *wa.Client
	Now      func() time.Time
	Logger   *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Enricher: enrich.New(cfg.Enrich.URL, cfg.Enrich.APIKey, cfg.Enrich.HeaderName, time.Duration(cfg.Enrich.TimeoutSeconds)*time.Second),
		Chat:     enrich.NewChat(cfg.Chat.URL, cfg.Enrich.APIKey, cfg.Enrich.HeaderName),
		WA:       wa.New(cfg.WA.SendURL, cfg.WA.APIKey, cfg.WA.HeaderName, cfg.WAEnabled()),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// actor names the event author: email when the session has one, otherwise
// the user id.
func actor(v policy.Viewer) string {
	if v.Email != "" {
		return v.Email
	}
	return v.ID
}

// CreateTask inserts a web-sourced task owned by the viewer. When the
// enrichment workflow is configured it is consulted once; a failure keeps
// the original title and no steps.
func (e Engine) CreateTask(ctx context.Context, v policy.Viewer, title string) (domain.Task, error) {
	if v.Anonymous() {
		return domain.Task{}, policy.ErrUnauthenticated
	}
	if title == "" {
		return domain.Task{}, errors.New("title is required")
	}

	enhanced := title
	var stepsJSON *string
	if e.Config.EnrichOnCreate() {
		res, err := e.Enricher.EnhanceTitle(ctx, title)
		if err != nil {
			e.logger().Printf("enrich: create enhancement failed, keeping original title: %v", err)
		} else {
			if t := res.Title(); t != "" {
				enhanced = t
			}
			if len(res.Steps) > 0 {
				if b, err := json.Marshal(res.Steps); err == nil {
					s := string(b)
					stepsJSON = &s
				}
			}
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	src := domain.SourceWeb
	t := domain.Task{
		ID:            uuid.NewString(),
		Title:         title,
		EnhancedTitle: &enhanced,
		StepsJSON:     stepsJSON,
		Source:        &src,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if v.ID != "" {
		id := v.ID
		t.UserID = &id
	}
	if v.Email != "" {
		email := v.Email
		t.UserEmail = &email
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, actor(v), events.EventPayload{
		"title":  t.Title,
		"source": domain.SourceWeb,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// CreateExternalTask inserts an ownerless task from the messaging channel.
func (e Engine) CreateExternalTask(ctx context.Context, title, number string) (domain.Task, error) {
	if title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	src := domain.SourceWhatsApp
	t := domain.Task{
		ID:        uuid.NewString(),
		Title:     title,
		Source:    &src,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{"title": t.Title, "source": domain.SourceWhatsApp}
	if number != "" {
		payload["number"] = number
	}
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, domain.SourceWhatsApp, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListTasks implements the four-branch listing contract. For authenticated
// viewers requesting the external channel the store is read whole and
// filtered here, in store-native order; the other branches are ordered by
// creation time descending.
func (e Engine) ListTasks(ctx context.Context, v policy.Viewer, includeExternal bool) ([]domain.Task, error) {
	switch {
	case !v.Anonymous() && includeExternal:
		all, err := e.Repo.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		visible := []domain.Task{}
		for _, t := range all {
			if policy.Visible(v, t) {
				visible = append(visible, t)
			}
		}
		return visible, nil
	case !v.Anonymous():
		tasks, err := e.Repo.ListOwned(ctx, v.ID, v.Email)
		if err != nil {
			return nil, err
		}
		return nonNil(tasks), nil
	case includeExternal:
		tasks, err := e.Repo.ListBySource(ctx, domain.SourceWhatsApp)
		if err != nil {
			return nil, err
		}
		return nonNil(tasks), nil
	default:
		return []domain.Task{}, nil
	}
}

// GetTask fetches a task the viewer may see; others read as absent.
func (e Engine) GetTask(ctx context.Context, v policy.Viewer, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if !policy.Visible(v, t) {
		return domain.Task{}, repo.ErrNotFound
	}
	return t, nil
}

// UpdateTask applies a partial edit. Last write wins; concurrent editors
// are not detected.
func (e Engine) UpdateTask(ctx context.Context, v policy.Viewer, id string, u repo.TaskUpdates) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.Authorize(v, t, policy.ActionUpdate); err != nil {
		return domain.Task{}, err
	}
	if u.Empty() {
		return t, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, id, u, e.now().UTC().Format(time.RFC3339), sourceCondition(t)); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", "task", id, actor(v), updatePayload(u)); err != nil {
		return domain.Task{}, err
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// AddNote appends a note to the task, consulting the enrichment workflow
// for a title rewrite and step proposal. Workflow failures degrade to a
// plain note append.
func (e Engine) AddNote(ctx context.Context, v policy.Viewer, id, text string) (domain.Task, error) {
	if text == "" {
		return domain.Task{}, errors.New("note is required")
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := policy.Authorize(v, t, policy.ActionAppendNote); err != nil {
		return domain.Task{}, err
	}
	authorEmail := v.Email
	if authorEmail == "" {
		authorEmail = "web"
	}

	var enr *policy.Enrichment
	if e.Enricher.Configured() {
		res, err := e.Enricher.ImproveNote(ctx, t.ID, t.Title, text, authorEmail)
		if err != nil {
			e.logger().Printf("enrich: note improvement failed, appending plain note: %v", err)
		} else {
			enr = &policy.Enrichment{Title: res.Title(), Steps: res.Steps, Raw: res.Raw()}
		}
	}

	notes, prop, err := policy.ApplyNote(t, authorEmail, text, enr, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	encoded, err := policy.EncodeNotes(notes)
	if err != nil {
		return domain.Task{}, err
	}
	u := repo.TaskUpdates{
		NotesJSON:     &encoded,
		EnhancedTitle: prop.EnhancedTitle,
		StepsJSON:     prop.StepsJSON,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, id, u, e.now().UTC().Format(time.RFC3339), sourceCondition(t)); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.note.added", "task", id, authorEmail, events.EventPayload{
		"note_count": len(notes),
		"enriched":   enr != nil,
	}); err != nil {
		return domain.Task{}, err
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// DeleteTask removes a task after the ownership check.
func (e Engine) DeleteTask(ctx context.Context, v policy.Viewer, id string) error {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := policy.Authorize(v, t, policy.ActionDelete); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, id, sourceCondition(t)); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", "task", id, actor(v), events.EventPayload{"title": t.Title}); err != nil {
		return err
	}
	return tx.Commit()
}

// SendWhatsApp forwards a message through the proxy and records the attempt.
func (e Engine) SendWhatsApp(ctx context.Context, v policy.Viewer, body, number string) (wa.Response, error) {
	res, err := e.WA.Send(ctx, body, number)
	if err != nil {
		return wa.Response{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "wa.sent", "message", "", actor(v), events.EventPayload{
		"status":  res.Status,
		"skipped": res.Skipped,
	}); err != nil {
		return res, err
	}
	return res, tx.Commit()
}

func sourceCondition(t domain.Task) string {
	if policy.IsCommunal(t) {
		return domain.SourceWhatsApp
	}
	return ""
}

func updatePayload(u repo.TaskUpdates) events.EventPayload {
	p := events.EventPayload{}
	if u.Title != nil {
		p["title"] = *u.Title
	}
	if u.Completed != nil {
		p["completed"] = *u.Completed
	}
	if u.StepsJSON != nil {
		p["steps_changed"] = true
	}
	return p
}

func nonNil(tasks []domain.Task) []domain.Task {
	if tasks == nil {
		return []domain.Task{}
	}
	return tasks
}
