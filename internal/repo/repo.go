package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskfeed/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,title,enhanced_title,steps_json,completed,user_id,user_email,source,notes_json,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var enhanced, steps, userID, userEmail, source, notes sql.NullString
	var completed int
	err := scan(&t.ID, &t.Title, &enhanced, &steps, &completed, &userID, &userEmail, &source, &notes, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Completed = completed != 0
	if enhanced.Valid {
		t.EnhancedTitle = &enhanced.String
	}
	if steps.Valid {
		t.StepsJSON = &steps.String
	}
	if userID.Valid {
		t.UserID = &userID.String
	}
	if userEmail.Valid {
		t.UserEmail = &userEmail.String
	}
	if source.Valid {
		t.Source = &source.String
	}
	if notes.Valid {
		t.NotesJSON = &notes.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullableStringPtr(t.EnhancedTitle), nullableStringPtr(t.StepsJSON), boolInt(t.Completed),
		nullableStringPtr(t.UserID), nullableStringPtr(t.UserEmail), nullableStringPtr(t.Source),
		nullableStringPtr(t.NotesJSON), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListAll returns every task in store-native order. Viewer filtering is the
// policy package's job.
func (r Repo) ListAll(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks`)
	if err != nil {
		return nil, err
	}
	return r.collectTasks(rows)
}

// ListOwned returns tasks matching the owner id or owner email, newest first.
func (r Repo) ListOwned(ctx context.Context, userID, userEmail string) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if userEmail != "" {
		clauses = append(clauses, "user_email=?")
		args = append(args, userEmail)
	}
	if len(clauses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE (` + strings.Join(clauses, " OR ") + `) ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r.collectTasks(rows)
}

// ListBySource returns tasks from one provenance channel, newest first.
func (r Repo) ListBySource(ctx context.Context, source string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE source=? ORDER BY created_at DESC, id DESC`, source)
	if err != nil {
		return nil, err
	}
	return r.collectTasks(rows)
}

// TaskUpdates is a partial update; nil fields are left untouched.
type TaskUpdates struct {
	Title         *string
	EnhancedTitle *string
	StepsJSON     *string
	Completed     *bool
	NotesJSON     *string
}

func (u TaskUpdates) Empty() bool {
	return u.Title == nil && u.EnhancedTitle == nil && u.StepsJSON == nil && u.Completed == nil && u.NotesJSON == nil
}

// UpdateTask applies a partial update. requireSource, when non-empty, adds
// a source conjunction to the WHERE clause so externally-sourced rows are
// only touched as such. Last write wins; there is no version check.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, id string, u TaskUpdates, updatedAt, requireSource string) error {
	var (
		fields []string
		args   []any
	)
	if u.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *u.Title)
	}
	if u.EnhancedTitle != nil {
		fields = append(fields, "enhanced_title=?")
		args = append(args, *u.EnhancedTitle)
	}
	if u.StepsJSON != nil {
		fields = append(fields, "steps_json=?")
		args = append(args, *u.StepsJSON)
	}
	if u.Completed != nil {
		fields = append(fields, "completed=?")
		args = append(args, boolInt(*u.Completed))
	}
	if u.NotesJSON != nil {
		fields = append(fields, "notes_json=?")
		args = append(args, *u.NotesJSON)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt)

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ","))
	args = append(args, id)
	if requireSource != "" {
		query += ` AND source=?`
		args = append(args, requireSource)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task, optionally constrained to a provenance channel.
func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id, requireSource string) error {
	query := `DELETE FROM tasks WHERE id=?`
	args := []any{id}
	if requireSource != "" {
		query += ` AND source=?`
		args = append(args, requireSource)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
