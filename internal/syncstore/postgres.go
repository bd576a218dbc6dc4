package syncstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	pgDocumentsTable = "documents"
	pgTasksTable     = "tasks"
	pgCommentsTable  = "task_comments"
	pgUsersTable     = "users"

	// ChangeChannel is the NOTIFY channel every row trigger publishes
	// on; PostgresFeed listens here.
	ChangeChannel = "expensedesk_changes"

	pgOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRemote implements the four remote collections on a single
// Postgres database, bootstrapping tables and change-feed triggers
// lazily on first use.
type PostgresRemote struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRemote(dsn string) (*PostgresRemote, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRemote{dsn: dsn, openDB: sql.Open}, nil
}

func (r *PostgresRemote) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRemote) Documents() RemoteCollection[Document] { return &documentCollection{r} }
func (r *PostgresRemote) Tasks() RemoteCollection[TaskItem]     { return &taskCollection{r} }
func (r *PostgresRemote) Comments() RemoteCollection[Comment]   { return &commentCollection{r} }
func (r *PostgresRemote) Users() RemoteCollection[User]         { return &userCollection{r} }

func (r *PostgresRemote) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), pgOperationTimeout)
		defer cancel()
		for _, stmt := range pgBootstrapStatements() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				r.initErr = err
				return
			}
		}
		r.db = db
	})
	return r.initErr
}

func pgBootstrapStatements() []string {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				form_type TEXT NOT NULL,
				data TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				owner_name TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				approved_by TEXT NOT NULL DEFAULT '',
				approved_at TIMESTAMPTZ,
				approval_comment TEXT NOT NULL DEFAULT ''
			)`, pgQuoteIdentifier(pgDocumentsTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				text TEXT NOT NULL,
				status TEXT NOT NULL,
				memo TEXT NOT NULL DEFAULT '',
				userid TEXT NOT NULL,
				workflowid TEXT NOT NULL DEFAULT '',
				date TEXT NOT NULL,
				createdat TIMESTAMPTZ NOT NULL
			)`, pgQuoteIdentifier(pgTasksTable)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS tasks_date_idx ON %s (date)", pgQuoteIdentifier(pgTasksTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				date TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				userid TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				updatedat TIMESTAMPTZ NOT NULL
			)`, pgQuoteIdentifier(pgCommentsTable)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS task_comments_date_idx ON %s (date)", pgQuoteIdentifier(pgCommentsTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				password TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				dept TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT 'user'
			)`, pgQuoteIdentifier(pgUsersTable)),
		fmt.Sprintf(`
			CREATE OR REPLACE FUNCTION expensedesk_notify_change() RETURNS trigger AS $$
			DECLARE
				rec_id TEXT;
			BEGIN
				IF TG_OP = 'DELETE' THEN
					rec_id := OLD.id;
				ELSE
					rec_id := NEW.id;
				END IF;
				PERFORM pg_notify('%s', json_build_object(
					'table', TG_TABLE_NAME,
					'op', lower(TG_OP),
					'id', rec_id
				)::text);
				RETURN NULL;
			END;
			$$ LANGUAGE plpgsql`, ChangeChannel),
	}
	for _, table := range []string{pgDocumentsTable, pgTasksTable, pgCommentsTable, pgUsersTable} {
		trigger := table + "_notify_change"
		stmts = append(stmts,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", pgQuoteIdentifier(trigger), pgQuoteIdentifier(table)),
			fmt.Sprintf(
				"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION expensedesk_notify_change()",
				pgQuoteIdentifier(trigger), pgQuoteIdentifier(table)),
		)
	}
	return stmts
}

type documentCollection struct {
	remote *PostgresRemote
}

func (c *documentCollection) Query(ctx context.Context, _ Filter) ([]Document, error) {
	r := c.remote
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, form_type, data, status, owner_id, owner_name,
		       created_at, updated_at, approved_by, approved_at, approval_comment
		FROM %s
		ORDER BY updated_at DESC`, pgQuoteIdentifier(pgDocumentsTable))
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			doc        Document
			fieldsJSON string
			approvedBy string
			approvedAt sql.NullTime
			comment    string
		)
		if err := rows.Scan(&doc.ID, &doc.FormType, &fieldsJSON, &doc.Status, &doc.OwnerID,
			&doc.OwnerName, &doc.CreatedAt, &doc.UpdatedAt, &approvedBy, &approvedAt, &comment); err != nil {
			return nil, err
		}
		if fieldsJSON != "" {
			if err := json.Unmarshal([]byte(fieldsJSON), &doc.Fields); err != nil {
				return nil, fmt.Errorf("document %s fields: %w", doc.ID, err)
			}
		}
		if doc.Status == StatusApproved || doc.Status == StatusRejected {
			doc.Approval = &Approval{By: approvedBy, Comment: comment}
			if approvedAt.Valid {
				doc.Approval.At = approvedAt.Time
			}
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *documentCollection) Upsert(ctx context.Context, recs []Document) error {
	r := c.remote
	if err := r.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, form_type, data, status, owner_id, owner_name,
			created_at, updated_at, approved_by, approved_at, approval_comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			approved_by = EXCLUDED.approved_by,
			approved_at = EXCLUDED.approved_at,
			approval_comment = EXCLUDED.approval_comment`, pgQuoteIdentifier(pgDocumentsTable))
	for _, doc := range recs {
		fieldsJSON, err := json.Marshal(doc.Fields)
		if err != nil {
			return fmt.Errorf("document %s fields: %w", doc.ID, err)
		}
		var (
			approvedBy string
			approvedAt sql.NullTime
			comment    string
		)
		if doc.Approval != nil {
			approvedBy = doc.Approval.By
			comment = doc.Approval.Comment
			if !doc.Approval.At.IsZero() {
				approvedAt = sql.NullTime{Time: doc.Approval.At, Valid: true}
			}
		}
		if _, err := r.db.ExecContext(ctx, query, doc.ID, doc.FormType, string(fieldsJSON),
			string(doc.Status), doc.OwnerID, doc.OwnerName, doc.CreatedAt, doc.UpdatedAt,
			approvedBy, approvedAt, comment); err != nil {
			return err
		}
	}
	return nil
}

func (c *documentCollection) Delete(ctx context.Context, id string) error {
	return c.remote.deleteByID(ctx, pgDocumentsTable, id)
}

type taskCollection struct {
	remote *PostgresRemote
}

func (c *taskCollection) Query(ctx context.Context, f Filter) ([]TaskItem, error) {
	r := c.remote
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, text, status, memo, userid, workflowid, date, createdat
		FROM %s
		WHERE ($1 = '' OR date = $1)
		ORDER BY createdat ASC`, pgQuoteIdentifier(pgTasksTable))
	rows, err := r.db.QueryContext(ctx, query, f.Date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]TaskItem, 0)
	for rows.Next() {
		var task TaskItem
		var rawStatus string
		if err := rows.Scan(&task.ID, &task.Text, &rawStatus, &task.Memo,
			&task.OwnerID, &task.WorkflowRef, &task.Date, &task.CreatedAt); err != nil {
			return nil, err
		}
		task.Status = normalizeTaskStatus(TaskStatus(rawStatus))
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (c *taskCollection) Upsert(ctx context.Context, recs []TaskItem) error {
	r := c.remote
	if err := r.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, text, status, memo, userid, workflowid, date, createdat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			status = EXCLUDED.status,
			memo = EXCLUDED.memo,
			workflowid = EXCLUDED.workflowid`, pgQuoteIdentifier(pgTasksTable))
	for _, task := range recs {
		if _, err := r.db.ExecContext(ctx, query, task.ID, task.Text, string(task.Status),
			task.Memo, task.OwnerID, task.WorkflowRef, task.Date, task.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (c *taskCollection) Delete(ctx context.Context, id string) error {
	return c.remote.deleteByID(ctx, pgTasksTable, id)
}

type commentCollection struct {
	remote *PostgresRemote
}

func (c *commentCollection) Query(ctx context.Context, f Filter) ([]Comment, error) {
	r := c.remote
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, date, content, userid, status, updatedat
		FROM %s
		WHERE ($1 = '' OR date = $1)
		ORDER BY updatedat ASC`, pgQuoteIdentifier(pgCommentsTable))
	rows, err := r.db.QueryContext(ctx, query, f.Date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := make([]Comment, 0)
	for rows.Next() {
		var comment Comment
		if err := rows.Scan(&comment.ID, &comment.Date, &comment.Content,
			&comment.AuthorID, &comment.Status, &comment.UpdatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, comment)
	}
	return comments, rows.Err()
}

func (c *commentCollection) Upsert(ctx context.Context, recs []Comment) error {
	r := c.remote
	if err := r.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, date, content, userid, status, updatedat)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updatedat = EXCLUDED.updatedat`, pgQuoteIdentifier(pgCommentsTable))
	for _, comment := range recs {
		if _, err := r.db.ExecContext(ctx, query, comment.ID, comment.Date, comment.Content,
			comment.AuthorID, string(comment.Status), comment.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (c *commentCollection) Delete(ctx context.Context, id string) error {
	return c.remote.deleteByID(ctx, pgCommentsTable, id)
}

type userCollection struct {
	remote *PostgresRemote
}

func (c *userCollection) Query(ctx context.Context, _ Filter) ([]User, error) {
	r := c.remote
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT id, password, name, dept, role FROM %s ORDER BY id ASC", pgQuoteIdentifier(pgUsersTable))
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Password, &user.Name, &user.Dept, &user.Role); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (c *userCollection) Upsert(ctx context.Context, recs []User) error {
	r := c.remote
	if err := r.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, password, name, dept, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			password = EXCLUDED.password,
			name = EXCLUDED.name,
			dept = EXCLUDED.dept,
			role = EXCLUDED.role`, pgQuoteIdentifier(pgUsersTable))
	for _, user := range recs {
		if _, err := r.db.ExecContext(ctx, query, user.ID, user.Password, user.Name,
			user.Dept, string(user.Role)); err != nil {
			return err
		}
	}
	return nil
}

func (c *userCollection) Delete(ctx context.Context, id string) error {
	return c.remote.deleteByID(ctx, pgUsersTable, id)
}

func (r *PostgresRemote) deleteByID(ctx context.Context, table, id string) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", pgQuoteIdentifier(table))
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func pgQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
