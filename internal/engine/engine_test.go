package engine_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskfeed/internal/config"
	"taskfeed/internal/db"
	"taskfeed/internal/domain"
	"taskfeed/internal/engine"
	"taskfeed/internal/migrate"
	"taskfeed/internal/policy"
	"taskfeed/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func enrichConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Enrich.URL = url
	cfg.Enrich.APIKey = "test-key"
	return cfg
}

var (
	alice = policy.Viewer{ID: "u1", Email: "alice@example.com"}
	bob   = policy.Viewer{ID: "u2", Email: "bob@example.com"}
	anon  = policy.Viewer{}
)

func TestCreateTaskRequiresAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.CreateTask(env.Ctx, anon, "buy milk")
	if !errors.Is(err, policy.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestCreateTaskDefaultsEnhancedTitle(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.Engine.CreateTask(env.Ctx, alice, "buy milk")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.EnhancedTitle == nil || *task.EnhancedTitle != "buy milk" {
		t.Fatalf("expected enhanced title to default to title, got %v", task.EnhancedTitle)
	}
	if task.Source == nil || *task.Source != domain.SourceWeb {
		t.Fatalf("expected web source, got %v", task.Source)
	}
}

func TestCreateTaskEnrichment(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"enhanced_title":"Buy 2L of whole milk","steps":["go to store","buy milk"]}`))
	}))
	defer ts.Close()

	env := newTestEnv(t, enrichConfig(ts.URL))
	task, err := env.Engine.CreateTask(env.Ctx, alice, "buy milk")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Title != "buy milk" {
		t.Fatalf("original title must be preserved, got %q", task.Title)
	}
	if task.EnhancedTitle == nil || *task.EnhancedTitle != "Buy 2L of whole milk" {
		t.Fatalf("expected enriched title, got %v", task.EnhancedTitle)
	}
	if task.StepsJSON == nil {
		t.Fatalf("expected steps from enrichment")
	}
}

func TestCreateTaskEnrichmentFailureKeepsTitle(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	env := newTestEnv(t, enrichConfig(ts.URL))
	task, err := env.Engine.CreateTask(env.Ctx, alice, "buy milk")
	if err != nil {
		t.Fatalf("creation must succeed despite enrichment failure: %v", err)
	}
	if task.EnhancedTitle == nil || *task.EnhancedTitle != "buy milk" {
		t.Fatalf("expected original title fallback, got %v", task.EnhancedTitle)
	}
	if task.StepsJSON != nil {
		t.Fatalf("expected no steps on failure")
	}
}

func seedListScenario(t *testing.T, env testEnv) (mine, communal, theirs domain.Task) {
	t.Helper()
	var err error
	mine, err = env.Engine.CreateTask(env.Ctx, alice, "mine")
	if err != nil {
		t.Fatal(err)
	}
	communal, err = env.Engine.CreateExternalTask(env.Ctx, "from whatsapp", "+100")
	if err != nil {
		t.Fatal(err)
	}
	theirs, err = env.Engine.CreateTask(env.Ctx, bob, "theirs")
	if err != nil {
		t.Fatal(err)
	}
	return mine, communal, theirs
}

func taskIDs(tasks []domain.Task) map[string]bool {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = true
	}
	return ids
}

func TestListBranches(t *testing.T) {
	env := newTestEnv(t, nil)
	mine, communal, theirs := seedListScenario(t, env)

	// authenticated + external: own and communal, never other owners'
	tasks, err := env.Engine.ListTasks(env.Ctx, alice, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := taskIDs(tasks)
	if !ids[mine.ID] || !ids[communal.ID] || ids[theirs.ID] {
		t.Fatalf("authenticated+external: got %v", ids)
	}

	// authenticated only: own tasks
	tasks, err = env.Engine.ListTasks(env.Ctx, alice, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids = taskIDs(tasks)
	if !ids[mine.ID] || ids[communal.ID] || ids[theirs.ID] {
		t.Fatalf("authenticated: got %v", ids)
	}

	// anonymous + external: communal only
	tasks, err = env.Engine.ListTasks(env.Ctx, anon, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids = taskIDs(tasks)
	if len(ids) != 1 || !ids[communal.ID] {
		t.Fatalf("anonymous+external: got %v", ids)
	}

	// anonymous: nothing
	tasks, err = env.Engine.ListTasks(env.Ctx, anon, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("anonymous: expected empty, got %d", len(tasks))
	}
}

func TestListOwnedByEmailOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.Engine.CreateTask(env.Ctx, alice, "email owned")
	if err != nil {
		t.Fatal(err)
	}
	// a session with a different id but the same email still owns the task
	sameEmail := policy.Viewer{ID: "u1-rotated", Email: alice.Email}
	tasks, err := env.Engine.ListTasks(env.Ctx, sameEmail, false)
	if err != nil {
		t.Fatal(err)
	}
	if !taskIDs(tasks)[task.ID] {
		t.Fatalf("expected email ownership to surface the task")
	}
}

func TestGetTaskVisibility(t *testing.T) {
	env := newTestEnv(t, nil)
	mine, communal, theirs := seedListScenario(t, env)

	if _, err := env.Engine.GetTask(env.Ctx, alice, mine.ID); err != nil {
		t.Fatalf("own task should be readable: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, alice, communal.ID); err != nil {
		t.Fatalf("communal task should be readable: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, alice, theirs.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign task must read as absent, got %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, anon, mine.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("anonymous read of owned task must be absent, got %v", err)
	}
}

func TestUpdateRequiresOnlyAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	mine, _, _ := seedListScenario(t, env)

	// any authenticated viewer may edit, ownership is not checked on update
	done := true
	updated, err := env.Engine.UpdateTask(env.Ctx, bob, mine.ID, repo.TaskUpdates{Completed: &done})
	if err != nil {
		t.Fatalf("update by non-owner: %v", err)
	}
	if !updated.Completed {
		t.Fatalf("expected completed flag set")
	}

	_, err = env.Engine.UpdateTask(env.Ctx, anon, mine.ID, repo.TaskUpdates{Completed: &done})
	if !errors.Is(err, policy.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for anonymous update, got %v", err)
	}
}

func TestDeleteOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	mine, communal, theirs := seedListScenario(t, env)

	if err := env.Engine.DeleteTask(env.Ctx, alice, theirs.ID); !errors.Is(err, policy.ErrForbidden) {
		t.Fatalf("expected ErrForbidden deleting foreign task, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, anon, mine.ID); !errors.Is(err, policy.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for anonymous delete, got %v", err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, alice, mine.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	// communal tasks are deletable by any authenticated viewer
	if err := env.Engine.DeleteTask(env.Ctx, bob, communal.ID); err != nil {
		t.Fatalf("communal delete: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, alice, mine.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected task gone, got %v", err)
	}
}

func TestAddNoteAppendsAndProposes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// the note improvement endpoint answers camelCase
		w.Write([]byte(`{"enhancedTitle":"Milk run, prioritized","steps":["check fridge","go shopping"]}`))
	}))
	defer ts.Close()

	cfg := enrichConfig(ts.URL)
	off := false
	cfg.Enrich.OnCreate = &off
	env := newTestEnv(t, cfg)

	task, err := env.Engine.CreateTask(env.Ctx, alice, "buy milk")
	if err != nil {
		t.Fatal(err)
	}
	updated, err := env.Engine.AddNote(env.Ctx, bob, task.ID, "also need butter")
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	notes := policy.DecodeNotes(updated)
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}
	if notes[0].Text != "also need butter" || notes[0].User != bob.Email {
		t.Fatalf("unexpected note %+v", notes[0])
	}
	if notes[0].AIImprovement == nil {
		t.Fatalf("expected enrichment payload on the note")
	}
	if updated.EnhancedTitle == nil || *updated.EnhancedTitle != "Milk run, prioritized" {
		t.Fatalf("expected enriched title proposal committed, got %v", updated.EnhancedTitle)
	}
	if updated.StepsJSON == nil {
		t.Fatalf("expected steps proposal committed")
	}

	// a second note appends rather than replaces
	updated, err = env.Engine.AddNote(env.Ctx, alice, task.ID, "and eggs")
	if err != nil {
		t.Fatal(err)
	}
	notes = policy.DecodeNotes(updated)
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	if notes[0].Text != "also need butter" {
		t.Fatalf("earlier note must be preserved, got %q", notes[0].Text)
	}
}

func TestAddNoteEnrichmentFailureDegrades(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow down", http.StatusBadGateway)
	}))
	defer ts.Close()

	cfg := enrichConfig(ts.URL)
	off := false
	cfg.Enrich.OnCreate = &off
	env := newTestEnv(t, cfg)

	task, err := env.Engine.CreateTask(env.Ctx, alice, "buy milk")
	if err != nil {
		t.Fatal(err)
	}
	updated, err := env.Engine.AddNote(env.Ctx, alice, task.ID, "plain note")
	if err != nil {
		t.Fatalf("note append must succeed when enrichment fails: %v", err)
	}
	notes := policy.DecodeNotes(updated)
	if len(notes) != 1 || notes[0].Text != "plain note" {
		t.Fatalf("expected plain note appended, got %+v", notes)
	}
	if notes[0].AIImprovement != nil {
		t.Fatalf("expected no enrichment payload")
	}
	if updated.EnhancedTitle == nil || *updated.EnhancedTitle != "buy milk" {
		t.Fatalf("title must stay unchanged, got %v", updated.EnhancedTitle)
	}
}

func TestAddNoteAuthorFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.Engine.CreateTask(env.Ctx, alice, "buy milk")
	if err != nil {
		t.Fatal(err)
	}
	// a session without an email attributes the note to "web"
	idOnly := policy.Viewer{ID: "u3"}
	updated, err := env.Engine.AddNote(env.Ctx, idOnly, task.ID, "who wrote this")
	if err != nil {
		t.Fatal(err)
	}
	notes := policy.DecodeNotes(updated)
	if len(notes) != 1 || notes[0].User != "web" {
		t.Fatalf("expected web author fallback, got %+v", notes)
	}
}

func TestEventLogOnLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.Engine.CreateTask(env.Ctx, alice, "evented")
	if err != nil {
		t.Fatal(err)
	}
	done := true
	if _, err := env.Engine.UpdateTask(env.Ctx, alice, task.ID, repo.TaskUpdates{Completed: &done}); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteTask(env.Ctx, alice, task.ID); err != nil {
		t.Fatal(err)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=? ORDER BY id`, task.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types = append(types, typ)
	}
	want := []string{"task.created", "task.updated", "task.deleted"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}

func TestExternalTaskIsOwnerless(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.Engine.CreateExternalTask(env.Ctx, "ping from phone", "+100")
	if err != nil {
		t.Fatal(err)
	}
	if task.UserID != nil || task.UserEmail != nil {
		t.Fatalf("external task must be ownerless, got %+v", task)
	}
	if task.Source == nil || *task.Source != domain.SourceWhatsApp {
		t.Fatalf("expected whatsapp source, got %v", task.Source)
	}
}
