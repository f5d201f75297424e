package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rhuss/mcpconnect/pkg/debug"
	"github.com/rhuss/mcpconnect/pkg/kv"
	"github.com/rhuss/mcpconnect/pkg/observability"
)

const (
	DefaultTTL          = 120 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultGraceDelay   = 250 * time.Millisecond
)

type options struct {
	ttl          time.Duration
	pollInterval time.Duration
	graceDelay   time.Duration
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*options)

// WithTTL sets the maximum time a flow may stay PENDING.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithPollInterval sets how often waiters re-read the store.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithGraceDelay sets the pause between the two existence checks made
// before a new flow is created.
func WithGraceDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.graceDelay = d
		}
	}
}

// WithClock replaces time.Now for timestamps and deadline checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Manager tracks flows whose result type is T.
//
// Waiters in the same process are woken as soon as CompleteFlow, FailFlow
// or DeleteFlow runs. Flows finished by another process sharing the store
// are picked up by polling.
type Manager[T any] struct {
	store kv.Store
	opts  options

	mu      sync.Mutex
	signals map[string]chan struct{}
}

// NewManager creates a Manager over store.
func NewManager[T any](store kv.Store, opts ...Option) *Manager[T] {
	o := options{
		ttl:          DefaultTTL,
		pollInterval: DefaultPollInterval,
		graceDelay:   DefaultGraceDelay,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[T]{
		store:   store,
		opts:    o,
		signals: make(map[string]chan struct{}),
	}
}

// TTL returns the configured flow TTL.
func (m *Manager[T]) TTL() time.Duration { return m.opts.ttl }

// CreateFlow starts a flow, or attaches to an existing one with the same
// type and id, and blocks until some other party completes or fails it,
// the TTL elapses, or ctx ends.
func (m *Manager[T]) CreateFlow(ctx context.Context, flowID, flowType string, metadata any) (T, error) {
	var zero T
	key := Key(flowType, flowID)

	if existing, err := m.load(ctx, key); err != nil {
		return zero, err
	} else if existing != nil {
		debug.Log("flow", "attaching to existing flow", "key", key, "status", existing.Status)
		observability.FlowsTotal.WithLabelValues(flowType, "joined").Inc()
		return m.monitor(ctx, key, flowType, flowID)
	}

	if err := m.sleep(ctx, m.opts.graceDelay); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrFlowCanceled, err)
	}
	if existing, err := m.load(ctx, key); err != nil {
		return zero, err
	} else if existing != nil {
		debug.Log("flow", "attaching to flow created during grace period", "key", key)
		observability.FlowsTotal.WithLabelValues(flowType, "joined").Inc()
		return m.monitor(ctx, key, flowType, flowID)
	}

	claimed, err := m.claim(ctx, key, flowType, metadata)
	if err != nil {
		return zero, err
	}
	if !claimed {
		observability.FlowsTotal.WithLabelValues(flowType, "joined").Inc()
	}
	return m.monitor(ctx, key, flowType, flowID)
}

// CreateFlowWithHandler behaves like CreateFlow but, when no PENDING flow
// exists, runs handler itself and records its outcome. A COMPLETED or
// FAILED leftover is replaced and the handler runs again.
func (m *Manager[T]) CreateFlowWithHandler(ctx context.Context, flowID, flowType string, handler func(context.Context) (T, error)) (T, error) {
	var zero T
	key := Key(flowType, flowID)

	if existing, err := m.load(ctx, key); err != nil {
		return zero, err
	} else if existing != nil && existing.Status == StatusPending {
		debug.Log("flow", "attaching to pending flow", "key", key)
		observability.FlowsTotal.WithLabelValues(flowType, "joined").Inc()
		return m.monitor(ctx, key, flowType, flowID)
	}

	if err := m.sleep(ctx, m.opts.graceDelay); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrFlowCanceled, err)
	}
	existing, err := m.load(ctx, key)
	if err != nil {
		return zero, err
	}
	if existing != nil {
		if existing.Status == StatusPending {
			debug.Log("flow", "attaching to flow created during grace period", "key", key)
			observability.FlowsTotal.WithLabelValues(flowType, "joined").Inc()
			return m.monitor(ctx, key, flowType, flowID)
		}
		if _, err := m.store.Delete(ctx, key); err != nil {
			return zero, fmt.Errorf("clearing finished flow %s: %w", key, err)
		}
	}

	claimed, err := m.claim(ctx, key, flowType, nil)
	if err != nil {
		return zero, err
	}
	if !claimed {
		observability.FlowsTotal.WithLabelValues(flowType, "joined").Inc()
		return m.monitor(ctx, key, flowType, flowID)
	}

	result, herr := handler(ctx)
	// The outcome must be recorded even when ctx ended during the handler.
	bg := context.WithoutCancel(ctx)
	if herr != nil {
		if _, err := m.FailFlow(bg, flowID, flowType, herr); err != nil {
			debug.Log("flow", "recording handler failure", "key", key, "error", err)
		}
		return zero, herr
	}
	if _, err := m.CompleteFlow(bg, flowID, flowType, result); err != nil {
		debug.Log("flow", "recording handler result", "key", key, "error", err)
	}
	return result, nil
}

// CompleteFlow marks a flow COMPLETED with result. It reports false when
// the flow does not exist.
func (m *Manager[T]) CompleteFlow(ctx context.Context, flowID, flowType string, result T) (bool, error) {
	key := Key(flowType, flowID)
	state, err := m.load(ctx, key)
	if err != nil || state == nil {
		return false, err
	}
	state.Status = StatusCompleted
	state.Result = result
	state.CompletedAt = m.opts.now()
	if err := m.save(ctx, key, state); err != nil {
		return false, err
	}
	observability.FlowsTotal.WithLabelValues(flowType, "completed").Inc()
	debug.Log("flow", "flow completed", "key", key)
	m.notify(key)
	return true, nil
}

// FailFlow marks a flow FAILED with cause. It reports false when the flow
// does not exist.
func (m *Manager[T]) FailFlow(ctx context.Context, flowID, flowType string, cause error) (bool, error) {
	key := Key(flowType, flowID)
	state, err := m.load(ctx, key)
	if err != nil || state == nil {
		return false, err
	}
	state.Status = StatusFailed
	if cause != nil {
		state.Error = cause.Error()
	} else {
		state.Error = "unknown error"
	}
	state.FailedAt = m.opts.now()
	if err := m.save(ctx, key, state); err != nil {
		return false, err
	}
	observability.FlowsTotal.WithLabelValues(flowType, "failed").Inc()
	debug.Log("flow", "flow failed", "key", key, "error", state.Error)
	m.notify(key)
	return true, nil
}

// GetFlowState returns the stored state, or ErrFlowNotFound.
func (m *Manager[T]) GetFlowState(ctx context.Context, flowID, flowType string) (*State[T], error) {
	state, err := m.load(ctx, Key(flowType, flowID))
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrFlowNotFound
	}
	return state, nil
}

// DeleteFlow removes a flow and wakes its local waiters.
func (m *Manager[T]) DeleteFlow(ctx context.Context, flowID, flowType string) (bool, error) {
	key := Key(flowType, flowID)
	existed, err := m.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("deleting flow %s: %w", key, err)
	}
	m.notify(key)
	return existed, nil
}

// RegisterFlow writes a PENDING flow without waiting for it, so another
// party can find its metadata before anyone calls CreateFlow. It reports
// false when a record already exists.
func (m *Manager[T]) RegisterFlow(ctx context.Context, flowID, flowType string, metadata any) (bool, error) {
	return m.claim(ctx, Key(flowType, flowID), flowType, metadata)
}

// claim writes the initial PENDING record if no record exists yet.
func (m *Manager[T]) claim(ctx context.Context, key, flowType string, metadata any) (bool, error) {
	state := &State[T]{
		Type:      flowType,
		Status:    StatusPending,
		CreatedAt: m.opts.now(),
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return false, fmt.Errorf("encoding flow metadata: %w", err)
		}
		state.Metadata = raw
	}
	data, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("encoding flow %s: %w", key, err)
	}
	ok, err := m.store.SetNX(ctx, key, data, m.recordTTL())
	if err != nil {
		return false, fmt.Errorf("creating flow %s: %w", key, err)
	}
	if ok {
		debug.Log("flow", "flow created", "key", key)
		observability.FlowsTotal.WithLabelValues(flowType, "created").Inc()
	}
	return ok, nil
}

// monitor waits for the flow at key to reach a final status.
func (m *Manager[T]) monitor(ctx context.Context, key, flowType, flowID string) (T, error) {
	var zero T
	for {
		signal := m.signal(key)

		state, err := m.load(ctx, key)
		if err != nil {
			return zero, err
		}
		if state == nil {
			return zero, fmt.Errorf("%w: %s", ErrFlowDeleted, key)
		}

		switch state.Status {
		case StatusCompleted:
			return state.Result, nil
		case StatusFailed:
			return zero, &FlowError{Type: flowType, ID: flowID, Message: state.Error}
		}

		deadline := state.CreatedAt.Add(m.opts.ttl)
		remaining := deadline.Sub(m.opts.now())
		if remaining <= 0 {
			m.abandon(ctx, key)
			observability.FlowsTotal.WithLabelValues(flowType, "timeout").Inc()
			return zero, fmt.Errorf("%w after %s: %s", ErrFlowTimeout, m.opts.ttl, key)
		}

		wait := min(m.opts.pollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.abandon(ctx, key)
			observability.FlowsTotal.WithLabelValues(flowType, "canceled").Inc()
			return zero, fmt.Errorf("%w: %w", ErrFlowCanceled, context.Cause(ctx))
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// abandon deletes a flow whose waiter gave up.
func (m *Manager[T]) abandon(ctx context.Context, key string) {
	if _, err := m.store.Delete(context.WithoutCancel(ctx), key); err != nil {
		debug.Log("flow", "deleting abandoned flow", "key", key, "error", err)
	}
	m.notify(key)
}

func (m *Manager[T]) load(ctx context.Context, key string) (*State[T], error) {
	data, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading flow %s: %w", key, err)
	}
	var state State[T]
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding flow %s: %w", key, err)
	}
	return &state, nil
}

func (m *Manager[T]) save(ctx context.Context, key string, state *State[T]) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding flow %s: %w", key, err)
	}
	if err := m.store.Set(ctx, key, data, m.recordTTL()); err != nil {
		return fmt.Errorf("writing flow %s: %w", key, err)
	}
	return nil
}

// recordTTL outlives the wait by one poll so waiters observe a timeout
// instead of a vanished record.
func (m *Manager[T]) recordTTL() time.Duration {
	return m.opts.ttl + m.opts.pollInterval
}

// signal returns the channel closed on the next notify for key.
func (m *Manager[T]) signal(key string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.signals[key]
	if !ok {
		ch = make(chan struct{})
		m.signals[key] = ch
	}
	return ch
}

func (m *Manager[T]) notify(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.signals[key]; ok {
		close(ch)
		delete(m.signals, key)
	}
}

func (m *Manager[T]) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
