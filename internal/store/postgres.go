package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, verification_token, verification_expires_at)
		VALUES ($1, $2, LOWER($3), $4, NULLIF($5, ''), $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userColumns+` WHERE email = LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userColumns+` WHERE id = $1`, userID))
}

const userColumns = `
	SELECT id, display_name, email, password_hash, is_email_verified,
	       COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
	FROM users`

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash,
		&user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets WHERE token=$1 AND expires_at > NOW() AND used_at IS NULL
	`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("invalid or expired reset token")
	}
	if err != nil {
		return "", fmt.Errorf("lookup password reset: %w", err)
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// Sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errors.New("refresh session not found or expired")
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at) VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Workspaces

func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace Workspace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workspace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug, created_by) VALUES ($1, $2, $3, $4)
	`, workspace.ID, workspace.Name, workspace.Slug, workspace.CreatedBy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert workspace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, 'owner')
	`, workspace.ID, workspace.CreatedBy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert workspace owner: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.slug, w.created_by, w.created_at
		FROM workspaces w
		JOIN workspace_members m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var items []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.Slug, &w.CreatedBy, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

func (s *PostgresStore) AddWorkspaceMember(ctx context.Context, workspaceID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, workspaceID, userID, role)
	if err != nil {
		return fmt.Errorf("add workspace member: %w", err)
	}
	return nil
}

func (s *PostgresStore) WorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read workspace role: %w", err)
	}
	return role, nil
}

// Projects

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, workspace_id, name, description, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, project.ID, project.WorkspaceID, project.Name, project.Description, project.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, description, created_by, created_at FROM projects WHERE id=$1
	`, projectID).Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Description, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, workspaceID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, description, created_by, created_at
		FROM projects WHERE workspace_id=$1 ORDER BY created_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var items []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Description, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// Tasks

const taskColumns = `
	SELECT id, project_id, title, COALESCE(description, ''), status, priority, position,
	       COALESCE(assignee_id, ''), due_date, created_by, created_at, updated_at
	FROM tasks`

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority, position, assignee_id, due_date, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10)
		RETURNING created_at, updated_at
	`, task.ID, task.ProjectID, task.Title, task.Description, task.Status, task.Priority,
		task.Position, task.AssigneeID, task.DueDate, task.CreatedBy,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	return s.scanTask(s.db.QueryRowContext(ctx, taskColumns+` WHERE id=$1`, taskID))
}

func (s *PostgresStore) scanTask(row *sql.Row) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.Position, &t.AssigneeID, &t.DueDate, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskColumns+` WHERE project_id=$1 ORDER BY status, position`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var items []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
			&t.Position, &t.AssigneeID, &t.DueDate, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// ListColumnTasks returns the tasks of one kanban column ordered by their
// fractional position, which is the shape the position engine needs.
func (s *PostgresStore) ListColumnTasks(ctx context.Context, projectID, status string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskColumns+` WHERE project_id=$1 AND status=$2 ORDER BY position`, projectID, status)
	if err != nil {
		return nil, fmt.Errorf("list column tasks: %w", err)
	}
	defer rows.Close()

	var items []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(
			&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
			&t.Position, &t.AssigneeID, &t.DueDate, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// MoveTask writes a task's new column and position, applying any renumbering
// of the target column in the same transaction so concurrent readers never
// observe a half-renumbered collection.
func (s *PostgresStore) MoveTask(ctx context.Context, taskID, status string, pos float64, renumbered []TaskPlacement) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("begin move task: %w", err)
	}
	for _, placement := range renumbered {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET position=$2, updated_at=NOW() WHERE id=$1
		`, placement.TaskID, placement.Position); err != nil {
			_ = tx.Rollback()
			return Task{}, fmt.Errorf("renumber task %s: %w", placement.TaskID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status=$2, position=$3, updated_at=NOW() WHERE id=$1
	`, taskID, status, pos); err != nil {
		_ = tx.Rollback()
		return Task{}, fmt.Errorf("move task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("commit move task: %w", err)
	}
	return s.GetTask(ctx, taskID)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) (Task, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET title=$2, description=NULLIF($3, ''), priority=$4, assignee_id=NULLIF($5, ''), due_date=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING updated_at
	`, task.ID, task.Title, task.Description, task.Priority, task.AssigneeID, task.DueDate).Scan(&task.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Subtasks

func (s *PostgresStore) CreateSubtask(ctx context.Context, subtask Subtask) (Subtask, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subtasks (id, task_id, title, position)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, subtask.ID, subtask.TaskID, subtask.Title, subtask.Position).Scan(&subtask.CreatedAt, &subtask.UpdatedAt)
	if err != nil {
		return Subtask{}, fmt.Errorf("insert subtask: %w", err)
	}
	return subtask, nil
}

func (s *PostgresStore) GetSubtask(ctx context.Context, subtaskID string) (Subtask, error) {
	var st Subtask
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, title, done, position, created_at, updated_at FROM subtasks WHERE id=$1
	`, subtaskID).Scan(&st.ID, &st.TaskID, &st.Title, &st.Done, &st.Position, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return Subtask{}, err
	}
	return st, nil
}

func (s *PostgresStore) ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, title, done, position, created_at, updated_at
		FROM subtasks WHERE task_id=$1 ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var items []Subtask
	for rows.Next() {
		var st Subtask
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Title, &st.Done, &st.Position, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		items = append(items, st)
	}
	return items, rows.Err()
}

func (s *PostgresStore) MoveSubtask(ctx context.Context, subtaskID string, pos float64, renumbered []SubtaskPlacement) (Subtask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Subtask{}, fmt.Errorf("begin move subtask: %w", err)
	}
	for _, placement := range renumbered {
		if _, err := tx.ExecContext(ctx, `
			UPDATE subtasks SET position=$2, updated_at=NOW() WHERE id=$1
		`, placement.SubtaskID, placement.Position); err != nil {
			_ = tx.Rollback()
			return Subtask{}, fmt.Errorf("renumber subtask %s: %w", placement.SubtaskID, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE subtasks SET position=$2, updated_at=NOW() WHERE id=$1
	`, subtaskID, pos); err != nil {
		_ = tx.Rollback()
		return Subtask{}, fmt.Errorf("move subtask: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Subtask{}, fmt.Errorf("commit move subtask: %w", err)
	}
	return s.GetSubtask(ctx, subtaskID)
}

func (s *PostgresStore) UpdateSubtask(ctx context.Context, subtask Subtask) (Subtask, error) {
	err := s.db.QueryRowContext(ctx, `
		UPDATE subtasks SET title=$2, done=$3, updated_at=NOW() WHERE id=$1 RETURNING updated_at
	`, subtask.ID, subtask.Title, subtask.Done).Scan(&subtask.UpdatedAt)
	if err != nil {
		return Subtask{}, fmt.Errorf("update subtask: %w", err)
	}
	return subtask, nil
}

func (s *PostgresStore) DeleteSubtask(ctx context.Context, subtaskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subtasks WHERE id=$1`, subtaskID)
	if err != nil {
		return fmt.Errorf("delete subtask: %w", err)
	}
	return nil
}

// Messages

const messageColumns = `
	SELECT m.id, m.sender_id, u.display_name, m.content,
	       COALESCE(m.workspace_id, ''), COALESCE(m.project_id, ''), COALESCE(m.receiver_id, ''), COALESCE(m.parent_id, ''),
	       m.is_pinned, m.delivered_at, m.deleted_at, m.created_at, m.updated_at,
	       (SELECT COUNT(*) FROM messages r WHERE r.parent_id = m.id) AS reply_count
	FROM messages m
	JOIN users u ON u.id = m.sender_id`

func (s *PostgresStore) CreateMessage(ctx context.Context, message Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, sender_id, content, workspace_id, project_id, receiver_id, parent_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''))
		RETURNING created_at, updated_at
	`, message.ID, message.SenderID, message.Content,
		message.WorkspaceID, message.ProjectID, message.ReceiverID, message.ParentID,
	).Scan(&message.CreatedAt, &message.UpdatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return s.GetMessage(ctx, message.ID)
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, messageColumns+` WHERE m.id=$1`, messageID).Scan(
		&m.ID, &m.SenderID, &m.SenderName, &m.Content,
		&m.WorkspaceID, &m.ProjectID, &m.ReceiverID, &m.ParentID,
		&m.IsPinned, &m.DeliveredAt, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt, &m.ReplyCount,
	)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// MessageFilter selects one conversation context; exactly one field should
// be set. For DM history the caller supplies both participants.
type MessageFilter struct {
	WorkspaceID string
	ProjectID   string
	ParentID    string
	DMUserA     string
	DMUserB     string
	Limit       int
}

func (s *PostgresStore) ListMessages(ctx context.Context, filter MessageFilter) ([]Message, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where string
		args  []any
	)
	switch {
	case filter.ParentID != "":
		where, args = `m.parent_id=$1`, []any{filter.ParentID}
	case filter.WorkspaceID != "":
		where, args = `m.workspace_id=$1 AND m.parent_id IS NULL`, []any{filter.WorkspaceID}
	case filter.ProjectID != "":
		where, args = `m.project_id=$1 AND m.parent_id IS NULL`, []any{filter.ProjectID}
	case filter.DMUserA != "" && filter.DMUserB != "":
		where = `((m.sender_id=$1 AND m.receiver_id=$2) OR (m.sender_id=$2 AND m.receiver_id=$1))`
		args = []any{filter.DMUserA, filter.DMUserB}
	default:
		return nil, errors.New("message filter requires a context")
	}

	args = append(args, limit)
	query := fmt.Sprintf(`%s WHERE %s ORDER BY m.created_at DESC LIMIT $%d`, messageColumns, where, len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.SenderID, &m.SenderName, &m.Content,
			&m.WorkspaceID, &m.ProjectID, &m.ReceiverID, &m.ParentID,
			&m.IsPinned, &m.DeliveredAt, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt, &m.ReplyCount,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest page was fetched descending; callers render ascending.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// ListDMConversations returns the caller's direct-message threads, one
// row per partner, newest thread first.
func (s *PostgresStore) ListDMConversations(ctx context.Context, userID string) ([]DMConversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (LEAST(m.sender_id, m.receiver_id), GREATEST(m.sender_id, m.receiver_id))
		       CASE WHEN m.sender_id=$1 THEN m.receiver_id ELSE m.sender_id END AS partner_id,
		       p.display_name,
		       m.id, m.sender_id, u.display_name, m.content,
		       COALESCE(m.workspace_id, ''), COALESCE(m.project_id, ''), COALESCE(m.receiver_id, ''), COALESCE(m.parent_id, ''),
		       m.is_pinned, m.delivered_at, m.deleted_at, m.created_at, m.updated_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		JOIN users p ON p.id = CASE WHEN m.sender_id=$1 THEN m.receiver_id ELSE m.sender_id END
		WHERE m.receiver_id IS NOT NULL AND (m.sender_id=$1 OR m.receiver_id=$1)
		ORDER BY LEAST(m.sender_id, m.receiver_id), GREATEST(m.sender_id, m.receiver_id), m.created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list dm conversations: %w", err)
	}
	defer rows.Close()

	var items []DMConversation
	for rows.Next() {
		var c DMConversation
		m := &c.LastMessage
		if err := rows.Scan(
			&c.PartnerID, &c.PartnerName,
			&m.ID, &m.SenderID, &m.SenderName, &m.Content,
			&m.WorkspaceID, &m.ProjectID, &m.ReceiverID, &m.ParentID,
			&m.IsPinned, &m.DeliveredAt, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dm conversation: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].LastMessage.CreatedAt.After(items[j].LastMessage.CreatedAt)
	})
	return items, nil
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, content string) (Message, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content=$2, updated_at=NOW() WHERE id=$1
	`, messageID, content)
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return Message{}, sql.ErrNoRows
	}
	return s.GetMessage(ctx, messageID)
}

func (s *PostgresStore) SetMessagePinned(ctx context.Context, messageID string, pinned bool) (Message, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET is_pinned=$2 WHERE id=$1`, messageID, pinned)
	if err != nil {
		return Message{}, fmt.Errorf("pin message: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

func (s *PostgresStore) SetMessageDelivered(ctx context.Context, messageID string) (Message, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET delivered_at=COALESCE(delivered_at, NOW()) WHERE id=$1
	`, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("mark message delivered: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

// CountMessageReplies is evaluated at delete time to pick the soft/hard
// delete branch; the count is never cached.
func (s *PostgresStore) CountMessageReplies(ctx context.Context, messageID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE parent_id=$1`, messageID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count replies: %w", err)
	}
	return count, nil
}

// TombstoneMessage soft-deletes: the row survives so reply threads stay
// addressable, but the content is replaced.
func (s *PostgresStore) TombstoneMessage(ctx context.Context, messageID, tombstone string) (Message, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content=$2, deleted_at=NOW(), is_pinned=FALSE, updated_at=NOW() WHERE id=$1
	`, messageID, tombstone)
	if err != nil {
		return Message{}, fmt.Errorf("tombstone message: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Reactions

func (s *PostgresStore) GetReaction(ctx context.Context, messageID, userID, emoji string) (Reaction, error) {
	var r Reaction
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.message_id, r.user_id, u.display_name, r.emoji, r.created_at
		FROM reactions r JOIN users u ON u.id = r.user_id
		WHERE r.message_id=$1 AND r.user_id=$2 AND r.emoji=$3
	`, messageID, userID, emoji).Scan(&r.ID, &r.MessageID, &r.UserID, &r.UserName, &r.Emoji, &r.CreatedAt)
	if err != nil {
		return Reaction{}, err
	}
	return r, nil
}

func (s *PostgresStore) InsertReaction(ctx context.Context, reaction Reaction) (Reaction, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reactions (id, message_id, user_id, emoji)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, reaction.ID, reaction.MessageID, reaction.UserID, reaction.Emoji).Scan(&reaction.CreatedAt)
	if err != nil {
		return Reaction{}, fmt.Errorf("insert reaction: %w", err)
	}
	return reaction, nil
}

func (s *PostgresStore) DeleteReaction(ctx context.Context, reactionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reactions WHERE id=$1`, reactionID)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReactions(ctx context.Context, messageID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.message_id, r.user_id, u.display_name, r.emoji, r.created_at
		FROM reactions r JOIN users u ON u.id = r.user_id
		WHERE r.message_id=$1 ORDER BY r.created_at
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var items []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.UserName, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// Read cursors

func (s *PostgresStore) UpsertReadCursor(ctx context.Context, cursor ReadCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reads (user_id, workspace_id, project_id, receiver_id, message_id, last_read_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, NOW())
		ON CONFLICT (user_id, context_key) DO UPDATE SET message_id=EXCLUDED.message_id, last_read_at=NOW()
	`, cursor.UserID, cursor.WorkspaceID, cursor.ProjectID, cursor.ReceiverID, cursor.MessageID)
	if err != nil {
		return fmt.Errorf("upsert read cursor: %w", err)
	}
	return nil
}
