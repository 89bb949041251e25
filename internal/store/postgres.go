package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"synergysphere/api/internal/util"
)

const uniqueViolation = "23505"

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

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
		RETURNING created_at
	`, user.ID, user.Username, user.Email, user.PasswordHash).Scan(&user.CreatedAt)
	if isUniqueViolation(err) {
		return User{}, ErrConflict
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	user.Email = strings.ToLower(user.Email)
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, `WHERE id=$1`, CanonicalID(id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE email=LOWER($1)`, strings.TrimSpace(email))
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at FROM users `+where,
		arg,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

const projectColumns = `
	p.id, p.name, p.description, p.created_by, p.created_at, p.updated_at,
	COALESCE((SELECT string_agg(pm.user_id, ',' ORDER BY pm.added_at) FROM project_members pm WHERE pm.project_id = p.id), '')
`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var (
		item    Project
		members string
	)
	if err := row.Scan(&item.ID, &item.Name, &item.Description, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &members); err != nil {
		return Project{}, err
	}
	item.Members = []string{}
	if members != "" {
		item.Members = strings.Split(members, ",")
	}
	return item, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	if project.ID == "" {
		project.ID = util.NewID("")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Project{}, fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO projects (id, name, description, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, project.ID, project.Name, project.Description, CanonicalID(project.CreatedBy)).Scan(&project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	members := make([]string, 0, len(project.Members))
	for _, member := range project.Members {
		member = CanonicalID(member)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO project_members (project_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, project.ID, member); err != nil {
			return Project{}, fmt.Errorf("insert project member: %w", err)
		}
		members = append(members, member)
	}
	if err := tx.Commit(); err != nil {
		return Project{}, fmt.Errorf("commit create project: %w", err)
	}
	project.Members = members
	return project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id=$1 AND NOT p.is_deleted`, CanonicalID(id))
	item, err := scanProject(row)
	if err != nil {
		return Project{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		WHERE NOT p.is_deleted
			AND (p.created_by = $1 OR EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = $1))
		ORDER BY p.created_at DESC
	`, CanonicalID(userID))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		SELECT id, $2 FROM projects WHERE id=$1 AND NOT is_deleted
		ON CONFLICT DO NOTHING
	`, CanonicalID(projectID), CanonicalID(userID))
	if err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the project is missing or the user is already a member.
		if _, err := s.GetProject(ctx, projectID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=$1 AND user_id=$2`, CanonicalID(projectID), CanonicalID(userID))
	if err != nil {
		return fmt.Errorf("remove project member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id, project_id, title, description, assignee, due_date, status, created_by, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var (
		item    Task
		dueDate sql.NullTime
		status  string
	)
	if err := row.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description, &item.Assignee, &dueDate, &status, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Task{}, err
	}
	if dueDate.Valid {
		due := dueDate.Time
		item.DueDate = &due
	}
	item.Status = TaskStatus(status)
	return item, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id=$1 AND NOT is_deleted
		ORDER BY created_at ASC
	`, CanonicalID(projectID))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, projectID, taskID string) (Task, error) {
	item, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id=$1 AND project_id=$2 AND NOT is_deleted
	`, CanonicalID(taskID), CanonicalID(projectID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, projectID, taskID string, patch TaskPatch) (Task, error) {
	if patch.Empty() {
		return s.GetTask(ctx, projectID, taskID)
	}
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Assignee != nil {
		set("assignee", CanonicalID(*patch.Assignee))
	}
	if patch.DueDate != nil {
		set("due_date", *patch.DueDate)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	sets = append(sets, "updated_at=NOW()")
	args = append(args, CanonicalID(taskID), CanonicalID(projectID))

	query := fmt.Sprintf(`
		UPDATE tasks SET %s
		WHERE id=$%d AND project_id=$%d AND NOT is_deleted
		RETURNING `+taskColumns, strings.Join(sets, ", "), len(args)-1, len(args))
	item, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, projectID, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET is_deleted=TRUE, updated_at=NOW()
		WHERE id=$1 AND project_id=$2 AND NOT is_deleted
	`, CanonicalID(taskID), CanonicalID(projectID))
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	if task.ID == "" {
		task.ID = util.NewID("")
	}
	if task.Status == "" {
		task.Status = TaskTodo
	}
	var dueDate sql.NullTime
	if task.DueDate != nil {
		dueDate = sql.NullTime{Time: *task.DueDate, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, assignee, due_date, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, task.ID, CanonicalID(task.ProjectID), task.Title, task.Description, CanonicalID(task.Assignee), dueDate, string(task.Status), CanonicalID(task.CreatedBy)).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

const messageColumns = `id, project_id, user_id, username, message, is_edited, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (ChatMessage, error) {
	var item ChatMessage
	err := row.Scan(&item.ID, &item.ProjectID, &item.UserID, &item.Username, &item.Body, &item.IsEdited, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg ChatMessage) (ChatMessage, error) {
	if msg.ID == "" {
		msg.ID = util.NewID("")
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, project_id, user_id, username, message, is_edited, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7)
		RETURNING `+messageColumns,
		msg.ID, CanonicalID(msg.ProjectID), CanonicalID(msg.UserID), msg.Username, msg.Body, msg.CreatedAt, msg.UpdatedAt,
	)
	item, err := scanMessage(row)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (ChatMessage, error) {
	item, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id=$1`, CanonicalID(id)))
	if err != nil {
		return ChatMessage{}, notFound(err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateMessageBody(ctx context.Context, id, body string, updatedAt time.Time) (ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE chat_messages SET message=$2, is_edited=TRUE, updated_at=$3
		WHERE id=$1
		RETURNING `+messageColumns,
		CanonicalID(id), body, updatedAt,
	)
	item, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatMessage{}, ErrNotFound
		}
		return ChatMessage{}, fmt.Errorf("update message: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, projectID string, offset, limit int) ([]ChatMessage, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages
		WHERE project_id=$1
		ORDER BY created_at ASC, id ASC
		OFFSET $2 LIMIT $3
	`, CanonicalID(projectID), offset, limit)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, projectID string, limit int) ([]ChatMessage, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`
			FROM chat_messages
			WHERE project_id=$1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, CanonicalID(projectID), limit)
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = util.NewID("")
	}
	n.UserID = CanonicalID(n.UserID)
	n.Status = NotificationUnread
	var link sql.NullString
	if n.Link != "" {
		link = sql.NullString{String: n.Link, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, message, link, status)
		VALUES ($1, $2, $3, $4, 'unread')
		RETURNING created_at
	`, n.ID, n.UserID, n.Message, link).Scan(&n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message, COALESCE(link, ''), status, created_at
		FROM notifications
		WHERE user_id=$1 AND ($2 = FALSE OR status='unread')
		ORDER BY created_at DESC
		LIMIT $3
	`, CanonicalID(userID), unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var (
			item   Notification
			status string
		)
		if err := rows.Scan(&item.ID, &item.UserID, &item.Message, &item.Link, &status, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		item.Status = NotificationStatus(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status='read'
		WHERE id=$1 AND user_id=$2
	`, CanonicalID(id), CanonicalID(userID))
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET status='read' WHERE user_id=$1 AND status='unread'`, CanonicalID(userID))
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, username, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, username=EXCLUDED.username, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, user.Username, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.Username)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
