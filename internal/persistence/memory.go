package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/handoff/internal/domain"
)

var errReadOnly = errors.New("write attempted in read-only unit of work")

// MemoryStore is an in-process store for local/dev use and tests. Each Update works on a
// copy of the state that replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	nextID     int64
	agents     map[int64]domain.Agent
	messages   map[int64]domain.Message
	tasks      map[int64]domain.Task
	deliveries map[int64]domain.Delivery
	activities map[int64]domain.Activity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		agents:     make(map[int64]domain.Agent),
		messages:   make(map[int64]domain.Message),
		tasks:      make(map[int64]domain.Task),
		deliveries: make(map[int64]domain.Delivery),
		activities: make(map[int64]domain.Activity),
	}}
}

func (s *MemoryStore) Mode() string { return "in-memory" }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{st: s.state, readOnly: true})
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (st *memState) clone() *memState {
	out := &memState{
		nextID:     st.nextID,
		agents:     make(map[int64]domain.Agent, len(st.agents)),
		messages:   make(map[int64]domain.Message, len(st.messages)),
		tasks:      make(map[int64]domain.Task, len(st.tasks)),
		deliveries: make(map[int64]domain.Delivery, len(st.deliveries)),
		activities: make(map[int64]domain.Activity, len(st.activities)),
	}
	for k, v := range st.agents {
		out.agents[k] = v
	}
	for k, v := range st.messages {
		out.messages[k] = v
	}
	for k, v := range st.tasks {
		out.tasks[k] = v
	}
	for k, v := range st.deliveries {
		out.deliveries[k] = v
	}
	for k, v := range st.activities {
		out.activities[k] = v
	}
	return out
}

type memTx struct {
	st       *memState
	readOnly bool
}

func (tx *memTx) id() int64 {
	tx.st.nextID++
	return tx.st.nextID
}

func (tx *memTx) writable() error {
	if tx.readOnly {
		return errReadOnly
	}
	return nil
}

func (tx *memTx) AgentByName(_ context.Context, name string) (domain.Agent, error) {
	name = domain.NormalizeAgentName(name)
	for _, a := range tx.st.agents {
		if a.Name == name {
			return a, nil
		}
	}
	return domain.Agent{}, fmt.Errorf("agent %q: %w", name, domain.ErrNotFound)
}

func (tx *memTx) ListAgents(context.Context) ([]domain.Agent, error) {
	out := make([]domain.Agent, 0, len(tx.st.agents))
	for _, a := range tx.st.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) InsertAgent(ctx context.Context, agent domain.Agent) (domain.Agent, error) {
	if err := tx.writable(); err != nil {
		return domain.Agent{}, err
	}
	agent.Name = domain.NormalizeAgentName(agent.Name)
	if _, err := tx.AgentByName(ctx, agent.Name); err == nil {
		return domain.Agent{}, fmt.Errorf("agent %q already exists: %w", agent.Name, domain.ErrConflict)
	}
	agent.ID = tx.id()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	tx.st.agents[agent.ID] = agent
	return agent, nil
}

func (tx *memTx) UpdateAgent(_ context.Context, agent domain.Agent) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, ok := tx.st.agents[agent.ID]; !ok {
		return fmt.Errorf("agent %d: %w", agent.ID, domain.ErrNotFound)
	}
	tx.st.agents[agent.ID] = agent
	return nil
}

func (tx *memTx) InsertMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	if err := tx.writable(); err != nil {
		return domain.Message{}, err
	}
	msg.ID = tx.id()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	tx.st.messages[msg.ID] = msg
	return msg, nil
}

func (tx *memTx) GetMessage(_ context.Context, id int64) (domain.Message, error) {
	msg, ok := tx.st.messages[id]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %d: %w", id, domain.ErrNotFound)
	}
	return msg, nil
}

func (tx *memTx) UpdateMessage(_ context.Context, msg domain.Message, expect domain.MessageStatus) error {
	if err := tx.writable(); err != nil {
		return err
	}
	cur, ok := tx.st.messages[msg.ID]
	if !ok {
		return fmt.Errorf("message %d: %w", msg.ID, domain.ErrNotFound)
	}
	if cur.Status != expect {
		return fmt.Errorf("message %d changed to %q concurrently: %w", msg.ID, cur.Status, domain.ErrConflict)
	}
	tx.st.messages[msg.ID] = msg
	return nil
}

func (tx *memTx) ListMessages(_ context.Context, filter MessageFilter) ([]domain.Message, error) {
	out := make([]domain.Message, 0)
	for _, m := range tx.st.messages {
		if filter.match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return olderFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	return out, nil
}

func (tx *memTx) InsertTask(_ context.Context, task domain.Task) (domain.Task, error) {
	if err := tx.writable(); err != nil {
		return domain.Task{}, err
	}
	task.ID = tx.id()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	tx.st.tasks[task.ID] = task
	return task, nil
}

func (tx *memTx) GetTask(_ context.Context, id int64) (domain.Task, error) {
	task, ok := tx.st.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return task, nil
}

func (tx *memTx) UpdateTask(_ context.Context, task domain.Task, expect domain.TaskStatus) error {
	if err := tx.writable(); err != nil {
		return err
	}
	cur, ok := tx.st.tasks[task.ID]
	if !ok {
		return fmt.Errorf("task %d: %w", task.ID, domain.ErrNotFound)
	}
	if cur.Status != expect {
		return fmt.Errorf("task %d changed to %q concurrently: %w", task.ID, cur.Status, domain.ErrConflict)
	}
	tx.st.tasks[task.ID] = task
	return nil
}

func (tx *memTx) ListTasks(_ context.Context, filter TaskFilter) ([]domain.Task, error) {
	out := make([]domain.Task, 0)
	for _, t := range tx.st.tasks {
		if filter.match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return olderFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (tx *memTx) InsertDelivery(_ context.Context, d domain.Delivery) (domain.Delivery, error) {
	if err := tx.writable(); err != nil {
		return domain.Delivery{}, err
	}
	if _, ok := tx.st.tasks[d.TaskID]; !ok {
		return domain.Delivery{}, fmt.Errorf("task %d: %w", d.TaskID, domain.ErrNotFound)
	}
	d.ID = tx.id()
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now().UTC()
	}
	tx.st.deliveries[d.ID] = d
	return d, nil
}

func (tx *memTx) ListDeliveries(_ context.Context, taskID int64) ([]domain.Delivery, error) {
	out := make([]domain.Delivery, 0)
	for _, d := range tx.st.deliveries {
		if d.TaskID == taskID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return olderFirst(out[i].DeliveredAt, out[i].ID, out[j].DeliveredAt, out[j].ID)
	})
	return out, nil
}

func (tx *memTx) InsertActivity(_ context.Context, a domain.Activity) (domain.Activity, error) {
	if err := tx.writable(); err != nil {
		return domain.Activity{}, err
	}
	a.ID = tx.id()
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	tx.st.activities[a.ID] = a
	return a, nil
}

func (tx *memTx) GetActivity(_ context.Context, id int64) (domain.Activity, error) {
	a, ok := tx.st.activities[id]
	if !ok {
		return domain.Activity{}, fmt.Errorf("activity %d: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (tx *memTx) UpdateActivity(_ context.Context, a domain.Activity, expect domain.ActivityStatus) error {
	if err := tx.writable(); err != nil {
		return err
	}
	cur, ok := tx.st.activities[a.ID]
	if !ok {
		return fmt.Errorf("activity %d: %w", a.ID, domain.ErrNotFound)
	}
	if cur.Status != expect {
		return fmt.Errorf("activity %d changed to %q concurrently: %w", a.ID, cur.Status, domain.ErrConflict)
	}
	tx.st.activities[a.ID] = a
	return nil
}

func (tx *memTx) LatestActivity(_ context.Context, agent string) (domain.Activity, error) {
	var (
		latest domain.Activity
		found  bool
	)
	for _, a := range tx.st.activities {
		if a.Agent != agent {
			continue
		}
		if !found || olderFirst(latest.StartedAt, latest.ID, a.StartedAt, a.ID) {
			latest = a
			found = true
		}
	}
	if !found {
		return domain.Activity{}, fmt.Errorf("activity for %q: %w", agent, domain.ErrNotFound)
	}
	return latest, nil
}

func (tx *memTx) ListActivities(_ context.Context, filter ActivityFilter) ([]domain.Activity, error) {
	out := make([]domain.Activity, 0)
	for _, a := range tx.st.activities {
		if filter.match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return olderFirst(out[i].StartedAt, out[i].ID, out[j].StartedAt, out[j].ID)
	})
	return out, nil
}

func olderFirst(at time.Time, aID int64, bt time.Time, bID int64) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return aID < bID
}
