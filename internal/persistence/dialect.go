package persistence

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type dialect struct {
	name     string
	driver   string
	idColumn string
	timeType string
	boolType string
	// numbered reports whether placeholders are $1..$n instead of ?.
	numbered bool
	// textTimes stores timestamps as fixed-width RFC3339 text so they order lexically.
	textTimes bool
}

var (
	postgresDialect = dialect{
		name:     "postgres",
		driver:   "pgx",
		idColumn: "BIGSERIAL PRIMARY KEY",
		timeType: "TIMESTAMPTZ",
		boolType: "BOOLEAN",
		numbered: true,
	}
	sqliteDialect = dialect{
		name:      "sqlite",
		driver:    "sqlite",
		idColumn:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		timeType:  "TIMESTAMP",
		boolType:  "BOOLEAN",
		textTimes: true,
	}
)

// sqliteTimeLayout has a fixed-width fraction; trailing zeros are kept.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) timeArg(t time.Time) any {
	t = t.UTC()
	if d.textTimes {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

func (d dialect) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

func (d dialect) schema() []string {
	r := strings.NewReplacer("{{id}}", d.idColumn, "{{ts}}", d.timeType, "{{bool}}", d.boolType)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id {{id}},
			name TEXT NOT NULL UNIQUE,
			label TEXT NOT NULL DEFAULT '',
			active {{bool}} NOT NULL DEFAULT TRUE,
			created_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id {{id}},
			source_agent TEXT NOT NULL,
			target_agent TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '',
			requires_approval {{bool}} NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			parent_message_id BIGINT NULL REFERENCES messages(id),
			session_id TEXT NOT NULL DEFAULT '',
			created_at {{ts}} NOT NULL,
			approved_at {{ts}} NULL,
			delivered_at {{ts}} NULL,
			processed_at {{ts}} NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_target_status ON messages (target_agent, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages (parent_message_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id {{id}},
			source_agent TEXT NOT NULL,
			target_agent TEXT NOT NULL,
			summary TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			reference_url TEXT NOT NULL DEFAULT '',
			requires_approval {{bool}} NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL,
			approved_at {{ts}} NULL,
			notified_at {{ts}} NULL,
			sent_at {{ts}} NULL,
			completed_at {{ts}} NULL,
			cancelled_at {{ts}} NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_target_status ON tasks (target_agent, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_reference ON tasks (reference)`,
		`CREATE TABLE IF NOT EXISTS task_deliveries (
			id {{id}},
			task_id BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent TEXT NOT NULL,
			method TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			delivered_at {{ts}} NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_deliveries_task ON task_deliveries (task_id, delivered_at)`,
		`CREATE TABLE IF NOT EXISTS agent_activity (
			id {{id}},
			agent TEXT NOT NULL,
			task_id BIGINT NULL,
			status TEXT NOT NULL,
			resolution TEXT NOT NULL DEFAULT '',
			started_at {{ts}} NOT NULL,
			completed_at {{ts}} NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_activity_agent ON agent_activity (agent, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_activity_status ON agent_activity (status)`,
	}
	for i, stmt := range stmts {
		stmts[i] = r.Replace(stmt)
	}
	return stmts
}

// dbTime scans timestamps whichever way the driver hands them back.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case int64:
		t.Time, t.Valid = time.Unix(v, 0).UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(raw string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", raw)
}

func (t dbTime) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.Time, nil
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
