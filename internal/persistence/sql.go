package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/antoniostano/handoff/internal/domain"
)

type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func OpenPostgres(ctx context.Context, databaseURL string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return initSQLStore(ctx, db, postgresDialect)
}

// OpenSQLite opens (creating if needed) a database file. ":memory:" gives a private
// database that lives as long as the store.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", domain.ErrValidation)
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return initSQLStore(ctx, db, sqliteDialect)
}

func initSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Mode() string { return s.dialect.name }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqlTx{tx: tx, d: s.dialect})
}

func (s *SQLStore) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{tx: tx, d: s.dialect}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sql.Tx
	d  dialect
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := t.queryRow(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// casResult turns a conditional UPDATE's row count into NotFound/Conflict.
func (t *sqlTx) casResult(ctx context.Context, res sql.Result, table string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var status string
	err = t.queryRow(ctx, "SELECT status FROM "+table+" WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", strings.TrimSuffix(table, "s"), id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %d changed to %q concurrently: %w", strings.TrimSuffix(table, "s"), id, status, domain.ErrConflict)
}

func inClause(column string, n int) string {
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

// Agents

const agentColumns = "id, name, label, active, created_at"

func scanAgent(row interface{ Scan(...any) error }) (domain.Agent, error) {
	var (
		a       domain.Agent
		created dbTime
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Label, &a.Active, &created); err != nil {
		return domain.Agent{}, err
	}
	a.CreatedAt = created.Time
	return a, nil
}

func (t *sqlTx) AgentByName(ctx context.Context, name string) (domain.Agent, error) {
	name = domain.NormalizeAgentName(name)
	a, err := scanAgent(t.queryRow(ctx, "SELECT "+agentColumns+" FROM agents WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("agent %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("load agent: %w", err)
	}
	return a, nil
}

func (t *sqlTx) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := t.query(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *sqlTx) InsertAgent(ctx context.Context, agent domain.Agent) (domain.Agent, error) {
	agent.Name = domain.NormalizeAgentName(agent.Name)
	if _, err := t.AgentByName(ctx, agent.Name); err == nil {
		return domain.Agent{}, fmt.Errorf("agent %q already exists: %w", agent.Name, domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Agent{}, err
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	id, err := t.insert(ctx,
		"INSERT INTO agents (name, label, active, created_at) VALUES (?, ?, ?, ?)",
		agent.Name, agent.Label, agent.Active, t.d.timeArg(agent.CreatedAt))
	if err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	agent.ID = id
	return agent, nil
}

func (t *sqlTx) UpdateAgent(ctx context.Context, agent domain.Agent) error {
	res, err := t.exec(ctx, "UPDATE agents SET label = ?, active = ? WHERE id = ?", agent.Label, agent.Active, agent.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent %d: %w", agent.ID, domain.ErrNotFound)
	}
	return nil
}

// Messages

const messageColumns = `id, source_agent, target_agent, type, content, metadata, requires_approval, status,
	parent_message_id, session_id, created_at, approved_at, delivered_at, processed_at`

func scanMessage(row interface{ Scan(...any) error }) (domain.Message, error) {
	var (
		m                                     domain.Message
		metadata                              string
		status                                string
		parent                                sql.NullInt64
		created, approved, delivered, handled dbTime
	)
	if err := row.Scan(&m.ID, &m.SourceAgent, &m.TargetAgent, &m.Type, &m.Content, &metadata,
		&m.RequiresApproval, &status, &parent, &m.SessionID, &created, &approved, &delivered, &handled); err != nil {
		return domain.Message{}, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return domain.Message{}, fmt.Errorf("decode metadata for message %d: %w", m.ID, err)
		}
	}
	m.Status = domain.MessageStatus(status)
	m.ParentMessageID = intPtr(parent)
	m.CreatedAt = created.Time
	m.ApprovedAt = approved.ptr()
	m.DeliveredAt = delivered.ptr()
	m.ProcessedAt = handled.ptr()
	return m, nil
}

func encodeMetadata(md map[string]any) (string, error) {
	if len(md) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("%w: metadata is not serializable: %v", domain.ErrValidation, err)
	}
	return string(raw), nil
}

func (t *sqlTx) InsertMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	id, err := t.insert(ctx, `INSERT INTO messages (
			source_agent, target_agent, type, content, metadata, requires_approval, status,
			parent_message_id, session_id, created_at, approved_at, delivered_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SourceAgent, msg.TargetAgent, msg.Type, msg.Content, metadata, msg.RequiresApproval, string(msg.Status),
		nullInt(msg.ParentMessageID), msg.SessionID, t.d.timeArg(msg.CreatedAt),
		t.d.nullTimeArg(msg.ApprovedAt), t.d.nullTimeArg(msg.DeliveredAt), t.d.nullTimeArg(msg.ProcessedAt))
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	msg.ID = id
	return msg, nil
}

func (t *sqlTx) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	m, err := scanMessage(t.queryRow(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("load message: %w", err)
	}
	return m, nil
}

func (t *sqlTx) UpdateMessage(ctx context.Context, msg domain.Message, expect domain.MessageStatus) error {
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	res, err := t.exec(ctx, `UPDATE messages SET
			content = ?, metadata = ?, requires_approval = ?, status = ?,
			approved_at = ?, delivered_at = ?, processed_at = ?
		WHERE id = ? AND status = ?`,
		msg.Content, metadata, msg.RequiresApproval, string(msg.Status),
		t.d.nullTimeArg(msg.ApprovedAt), t.d.nullTimeArg(msg.DeliveredAt), t.d.nullTimeArg(msg.ProcessedAt),
		msg.ID, string(expect))
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return t.casResult(ctx, res, "messages", msg.ID)
}

func (t *sqlTx) ListMessages(ctx context.Context, filter MessageFilter) ([]domain.Message, error) {
	var (
		where []string
		args  []any
	)
	if filter.SourceAgent != "" {
		where = append(where, "source_agent = ?")
		args = append(args, filter.SourceAgent)
	}
	if filter.TargetAgent != "" {
		where = append(where, "target_agent = ?")
		args = append(args, filter.TargetAgent)
	}
	if len(filter.Types) > 0 {
		where = append(where, inClause("type", len(filter.Types)))
		for _, v := range filter.Types {
			args = append(args, v)
		}
	}
	if len(filter.Statuses) > 0 {
		where = append(where, inClause("status", len(filter.Statuses)))
		for _, v := range filter.Statuses {
			args = append(args, string(v))
		}
	}
	if filter.ParentID != nil {
		where = append(where, "parent_message_id = ?")
		args = append(args, *filter.ParentID)
	}
	if filter.RootsOnly {
		where = append(where, "parent_message_id IS NULL")
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	query := "SELECT " + messageColumns + " FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Tasks

const taskColumns = `id, source_agent, target_agent, summary, details, reference, reference_url,
	requires_approval, status, result, outcome, session_id, created_at, updated_at,
	approved_at, notified_at, sent_at, completed_at, cancelled_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		task                                          domain.Task
		status, outcome                               string
		created, updated                              dbTime
		approved, notified, sent, completed, canceled dbTime
	)
	if err := row.Scan(&task.ID, &task.SourceAgent, &task.TargetAgent, &task.Summary, &task.Details,
		&task.Reference, &task.ReferenceURL, &task.RequiresApproval, &status, &task.Result, &outcome,
		&task.SessionID, &created, &updated, &approved, &notified, &sent, &completed, &canceled); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskStatus(status)
	task.Outcome = domain.Outcome(outcome)
	task.CreatedAt = created.Time
	task.UpdatedAt = updated.Time
	task.ApprovedAt = approved.ptr()
	task.NotifiedAt = notified.ptr()
	task.SentAt = sent.ptr()
	task.CompletedAt = completed.ptr()
	task.CancelledAt = canceled.ptr()
	return task, nil
}

func (t *sqlTx) InsertTask(ctx context.Context, task domain.Task) (domain.Task, error) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	id, err := t.insert(ctx, `INSERT INTO tasks (
			source_agent, target_agent, summary, details, reference, reference_url,
			requires_approval, status, result, outcome, session_id, created_at, updated_at,
			approved_at, notified_at, sent_at, completed_at, cancelled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.SourceAgent, task.TargetAgent, task.Summary, task.Details, task.Reference, task.ReferenceURL,
		task.RequiresApproval, string(task.Status), task.Result, string(task.Outcome), task.SessionID,
		t.d.timeArg(task.CreatedAt), t.d.timeArg(task.UpdatedAt),
		t.d.nullTimeArg(task.ApprovedAt), t.d.nullTimeArg(task.NotifiedAt), t.d.nullTimeArg(task.SentAt),
		t.d.nullTimeArg(task.CompletedAt), t.d.nullTimeArg(task.CancelledAt))
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	task.ID = id
	return task, nil
}

func (t *sqlTx) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	task, err := scanTask(t.queryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}

func (t *sqlTx) UpdateTask(ctx context.Context, task domain.Task, expect domain.TaskStatus) error {
	res, err := t.exec(ctx, `UPDATE tasks SET
			summary = ?, details = ?, reference = ?, reference_url = ?, requires_approval = ?,
			status = ?, result = ?, outcome = ?, session_id = ?, updated_at = ?,
			approved_at = ?, notified_at = ?, sent_at = ?, completed_at = ?, cancelled_at = ?
		WHERE id = ? AND status = ?`,
		task.Summary, task.Details, task.Reference, task.ReferenceURL, task.RequiresApproval,
		string(task.Status), task.Result, string(task.Outcome), task.SessionID, t.d.timeArg(task.UpdatedAt),
		t.d.nullTimeArg(task.ApprovedAt), t.d.nullTimeArg(task.NotifiedAt), t.d.nullTimeArg(task.SentAt),
		t.d.nullTimeArg(task.CompletedAt), t.d.nullTimeArg(task.CancelledAt),
		task.ID, string(expect))
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return t.casResult(ctx, res, "tasks", task.ID)
}

func (t *sqlTx) ListTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.TargetAgent != "" {
		where = append(where, "target_agent = ?")
		args = append(args, filter.TargetAgent)
	}
	if filter.Reference != "" {
		where = append(where, "reference = ?")
		args = append(args, filter.Reference)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, inClause("status", len(filter.Statuses)))
		for _, v := range filter.Statuses {
			args = append(args, string(v))
		}
	}
	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Deliveries

func (t *sqlTx) InsertDelivery(ctx context.Context, d domain.Delivery) (domain.Delivery, error) {
	if _, err := t.GetTask(ctx, d.TaskID); err != nil {
		return domain.Delivery{}, err
	}
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now().UTC()
	}
	id, err := t.insert(ctx,
		"INSERT INTO task_deliveries (task_id, agent, method, response, delivered_at) VALUES (?, ?, ?, ?, ?)",
		d.TaskID, d.Agent, string(d.Method), d.Response, t.d.timeArg(d.DeliveredAt))
	if err != nil {
		return domain.Delivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	d.ID = id
	return d, nil
}

func (t *sqlTx) ListDeliveries(ctx context.Context, taskID int64) ([]domain.Delivery, error) {
	rows, err := t.query(ctx,
		"SELECT id, task_id, agent, method, response, delivered_at FROM task_deliveries WHERE task_id = ? ORDER BY delivered_at, id",
		taskID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Delivery, 0)
	for rows.Next() {
		var (
			d         domain.Delivery
			method    string
			delivered dbTime
		)
		if err := rows.Scan(&d.ID, &d.TaskID, &d.Agent, &method, &d.Response, &delivered); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Method = domain.DeliveryMethod(method)
		d.DeliveredAt = delivered.Time
		out = append(out, d)
	}
	return out, rows.Err()
}

// Activity

const activityColumns = "id, agent, task_id, status, resolution, started_at, completed_at"

func scanActivity(row interface{ Scan(...any) error }) (domain.Activity, error) {
	var (
		a                  domain.Activity
		taskID             sql.NullInt64
		status             string
		started, completed dbTime
	)
	if err := row.Scan(&a.ID, &a.Agent, &taskID, &status, &a.Resolution, &started, &completed); err != nil {
		return domain.Activity{}, err
	}
	a.TaskID = intPtr(taskID)
	a.Status = domain.ActivityStatus(status)
	a.StartedAt = started.Time
	a.CompletedAt = completed.ptr()
	return a, nil
}

func (t *sqlTx) InsertActivity(ctx context.Context, a domain.Activity) (domain.Activity, error) {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	id, err := t.insert(ctx,
		"INSERT INTO agent_activity (agent, task_id, status, resolution, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)",
		a.Agent, nullInt(a.TaskID), string(a.Status), a.Resolution, t.d.timeArg(a.StartedAt), t.d.nullTimeArg(a.CompletedAt))
	if err != nil {
		return domain.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	a.ID = id
	return a, nil
}

func (t *sqlTx) GetActivity(ctx context.Context, id int64) (domain.Activity, error) {
	a, err := scanActivity(t.queryRow(ctx, "SELECT "+activityColumns+" FROM agent_activity WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Activity{}, fmt.Errorf("activity %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Activity{}, fmt.Errorf("load activity: %w", err)
	}
	return a, nil
}

func (t *sqlTx) UpdateActivity(ctx context.Context, a domain.Activity, expect domain.ActivityStatus) error {
	res, err := t.exec(ctx,
		"UPDATE agent_activity SET status = ?, resolution = ?, completed_at = ? WHERE id = ? AND status = ?",
		string(a.Status), a.Resolution, t.d.nullTimeArg(a.CompletedAt), a.ID, string(expect))
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	cur, err := t.GetActivity(ctx, a.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("activity %d changed to %q concurrently: %w", a.ID, cur.Status, domain.ErrConflict)
}

func (t *sqlTx) LatestActivity(ctx context.Context, agent string) (domain.Activity, error) {
	a, err := scanActivity(t.queryRow(ctx,
		"SELECT "+activityColumns+" FROM agent_activity WHERE agent = ? ORDER BY started_at DESC, id DESC LIMIT 1",
		agent))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Activity{}, fmt.Errorf("activity for %q: %w", agent, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Activity{}, fmt.Errorf("load latest activity: %w", err)
	}
	return a, nil
}

func (t *sqlTx) ListActivities(ctx context.Context, filter ActivityFilter) ([]domain.Activity, error) {
	var (
		where []string
		args  []any
	)
	if filter.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, filter.Agent)
	}
	if filter.TaskID != nil {
		where = append(where, "task_id = ?")
		args = append(args, *filter.TaskID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.StartedBefore.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, t.d.timeArg(filter.StartedBefore))
	}
	query := "SELECT " + activityColumns + " FROM agent_activity"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at, id"

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
