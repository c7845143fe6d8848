// Package distributor runs the periodic pass that hands ready tasks to idle agents.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/messages"
	"github.com/antoniostano/handoff/internal/notify"
	"github.com/antoniostano/handoff/internal/observability"
	"github.com/antoniostano/handoff/internal/reliability"
	"github.com/antoniostano/handoff/internal/tasks"
)

// ModeSource says whether an agent is pushed its work or told to pull it.
type ModeSource interface {
	Mode(agent string) domain.DeliveryMethod
}

// PushSource is the fallback ModeSource: every agent is pushed.
type PushSource struct{}

func (PushSource) Mode(string) domain.DeliveryMethod { return domain.DeliveryPush }

// Config holds the loop's collaborators. Queue and Hub are required.
type Config struct {
	Queue    *tasks.Queue
	Hub      *messages.Hub
	Notifier notify.Notifier
	Modes    ModeSource
	Schedule cron.Schedule
	Backoff  *reliability.Backoff
	// StoreTimeout bounds the store work done for each task. Zero means 5s.
	StoreTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Tracer       trace.Tracer
}

// Outcome of one task within a tick.
const (
	OutcomeNotified = "notified"
	OutcomePushed   = "pushed"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Report summarizes one tick.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	Candidates int            `json:"candidates"`
	Results    []TaskResult   `json:"results"`
	Counts     map[string]int `json:"counts"`
}

type TaskResult struct {
	TaskID  int64  `json:"task_id"`
	Agent   string `json:"agent"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Loop distributes ready tasks on a schedule. Ticks run one at a time.
type Loop struct {
	queue    *tasks.Queue
	hub      *messages.Hub
	notifier notify.Notifier
	modes    ModeSource
	schedule cron.Schedule
	backoff  *reliability.Backoff
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	tickMu  sync.Mutex
	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Loop {
	l := &Loop{
		queue:    cfg.Queue,
		hub:      cfg.Hub,
		notifier: cfg.Notifier,
		modes:    cfg.Modes,
		schedule: cfg.Schedule,
		backoff:  cfg.Backoff,
		timeout:  cfg.StoreTimeout,
		logger:   observability.OrDefault(cfg.Logger),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if l.notifier == nil {
		l.notifier = notify.NewLogNotifier(l.logger)
	}
	if l.modes == nil {
		l.modes = PushSource{}
	}
	if l.schedule == nil {
		l.schedule = cron.Every(10 * time.Second)
	}
	if l.backoff == nil {
		l.backoff = reliability.NewBackoff(10*time.Second, 5*time.Minute)
	}
	if l.tracer == nil {
		l.tracer = observability.Tracer()
	}
	if l.timeout <= 0 {
		l.timeout = 5 * time.Second
	}
	return l
}

// Start runs a tick immediately and then on every schedule activation until Stop or
// ctx ends. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.running = true
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.Info("distribution loop started", "next", l.schedule.Next(l.now()))
}

// Stop cancels the wait and blocks until an in-flight tick has finished.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	l.mu.Lock()
	wasRunning := l.running
	l.running = false
	l.mu.Unlock()
	if wasRunning {
		l.logger.Info("distribution loop stopped")
	}
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		// Stop does not cut a tick short; store calls inside it carry their own deadline.
		if _, err := l.Tick(context.WithoutCancel(ctx)); err != nil {
			l.logger.Error("distribution tick failed", "error", err)
		}
		wait := time.Until(l.schedule.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Tick performs one distribution pass. Failures on single tasks are reported in the
// result and do not fail the tick; only the candidate query can.
func (l *Loop) Tick(ctx context.Context) (report Report, err error) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	report = Report{
		RunID:     uuid.NewString(),
		StartedAt: l.now(),
		Counts:    map[string]int{},
	}
	ctx, span := l.tracer.Start(ctx, "distributor.tick", trace.WithAttributes(attribute.String("run_id", report.RunID)))
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case report.Counts[OutcomeFailed] > 0:
			outcome = "partial"
		case report.Candidates == 0:
			outcome = "idle"
		}
		l.metrics.ObserveTick(report.Duration, outcome)
		observability.EndSpan(span, err,
			attribute.Int("candidates", report.Candidates),
			attribute.Int("failed", report.Counts[OutcomeFailed]),
		)
	}()

	var ready []domain.Task
	err = l.bounded(ctx, func(ctx context.Context) error {
		var err error
		ready, err = l.queue.ReadyToSend(ctx)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("list ready tasks: %w", err)
	}

	seen := make(map[string]bool, len(ready))
	now := l.now()
	for _, task := range ready {
		if seen[task.TargetAgent] {
			continue
		}
		if !l.backoff.Ready(backoffKey(task.ID), now) {
			continue
		}
		seen[task.TargetAgent] = true
		report.Candidates++

		outcome, derr := l.deliver(ctx, task)
		res := TaskResult{TaskID: task.ID, Agent: task.TargetAgent, Outcome: outcome}
		if derr != nil {
			res.Outcome = OutcomeFailed
			res.Error = derr.Error()
			wait := l.backoff.Failure(backoffKey(task.ID), now)
			l.logger.Warn("task distribution failed",
				"run_id", report.RunID,
				"task_id", task.ID,
				"agent", task.TargetAgent,
				"retry_in", wait,
				"error", derr,
			)
		} else {
			l.backoff.Success(backoffKey(task.ID))
		}
		report.Results = append(report.Results, res)
		report.Counts[res.Outcome]++
	}
	if report.Candidates > 0 {
		l.logger.Info("distribution tick",
			"run_id", report.RunID,
			"candidates", report.Candidates,
			"notified", report.Counts[OutcomeNotified],
			"pushed", report.Counts[OutcomePushed],
			"skipped", report.Counts[OutcomeSkipped],
			"failed", report.Counts[OutcomeFailed],
		)
	}
	return report, nil
}

// bounded runs fn under the per-task store deadline.
func (l *Loop) bounded(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return fn(ctx)
}

func (l *Loop) deliver(ctx context.Context, task domain.Task) (string, error) {
	unlock := l.queue.Locks().Lock(task.TargetAgent)
	defer unlock()

	var idle bool
	err := l.bounded(ctx, func(ctx context.Context) error {
		var err error
		idle, err = l.queue.IsAgentIdle(ctx, task.TargetAgent)
		return err
	})
	if err != nil {
		return "", err
	}
	if !idle {
		return OutcomeSkipped, nil
	}

	mode := l.modes.Mode(task.TargetAgent)
	if mode == domain.DeliveryPull {
		return l.notifyPull(ctx, task)
	}
	return l.push(ctx, task)
}

// notifyPull tells a pull agent about task. An agent that has not yet accepted an
// earlier notification is left alone. The notifier runs outside the store deadline;
// webhooks carry their own.
func (l *Loop) notifyPull(ctx context.Context, task domain.Task) (string, error) {
	start := time.Now()
	var waiting []domain.Task
	err := l.bounded(ctx, func(ctx context.Context) error {
		var err error
		waiting, err = l.queue.List(ctx, tasks.ListFilter{
			Target:   task.TargetAgent,
			Statuses: []domain.TaskStatus{domain.TaskStatusNotified},
			Limit:    1,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if len(waiting) > 0 {
		return OutcomeSkipped, nil
	}
	if err := l.notifier.Notify(ctx, notify.TaskAvailable(task)); err != nil {
		l.metrics.ObserveDelivery("notify", "error")
		return "", fmt.Errorf("notify %s: %w", task.TargetAgent, err)
	}
	err = l.bounded(ctx, func(ctx context.Context) error {
		_, err := l.queue.MarkNotified(ctx, task.ID)
		return err
	})
	if err != nil {
		return "", err
	}
	l.metrics.ObserveDelivery("notify", "ok")
	l.metrics.ObserveStage(observability.StageNotify, time.Since(start))
	return OutcomeNotified, nil
}

// push narrates the prompt to the target on the hub and marks the task sent. The
// narration session is keyed by task so a retry after a failed MarkSent reuses it.
func (l *Loop) push(ctx context.Context, task domain.Task) (string, error) {
	start := time.Now()
	prompt, err := l.queue.Prompts().Render(task)
	if err != nil {
		return "", err
	}
	source := task.SourceAgent
	if source == "" {
		source = "handoff"
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	msg, err := l.hub.StartTask(ctx, source, prompt, task.TargetAgent, tasks.NarrationSession(task.ID))
	if err != nil {
		open, ok := messages.OpenThreadOf(err)
		if !ok {
			l.metrics.ObserveDelivery(string(domain.DeliveryPush), "error")
			return "", fmt.Errorf("narrate task %d: %w", task.ID, err)
		}
		msg = open
	}
	if _, err := l.queue.MarkSentHeld(ctx, task.ID, domain.DeliveryPush, strconv.FormatInt(msg.ID, 10)); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return OutcomeSkipped, nil
		}
		return "", err
	}
	l.metrics.ObserveStage(observability.StagePush, time.Since(start))
	return OutcomePushed, nil
}

func backoffKey(taskID int64) string {
	return strconv.FormatInt(taskID, 10)
}
