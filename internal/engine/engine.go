// Package engine serializes every Core call onto a single writer goroutine
// and adds idempotency, event fan-out, state snapshots and metrics around it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lending-engine/internal/matching"
	"lending-engine/internal/metrics"
)

const defaultIdempotencyCleanupInterval = time.Minute

// EngineConfig holds configuration for the engine
type EngineConfig struct {
	QueueSize      int           // Command queue size (default: 1000)
	IdempotencyTTL time.Duration // Idempotency record TTL (default: 24h)
	SnapshotEvery  int           // Save state after this many mutating commands (default: 1)
}

// DefaultEngineConfig returns default engine configuration
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		QueueSize:      1000,
		IdempotencyTTL: 24 * time.Hour,
		SnapshotEvery:  1,
	}
}

type namedSink struct {
	name string
	sink EventSink
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records command and domain metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSink appends an event sink. Sinks run in registration order.
func WithSink(name string, sink EventSink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, namedSink{name: name, sink: sink})
	}
}

// WithStateStore saves a Core snapshot after mutating commands
func WithStateStore(store StateStore) Option {
	return func(e *Engine) { e.stateStore = store }
}

// Engine owns a Core and runs every call against it on one goroutine
type Engine struct {
	core       *matching.Core
	cmdQueue   chan *commandRequest
	idemStore  *IdempotencyStore
	sinks      []namedSink
	stateStore StateStore
	metrics    *metrics.Metrics
	logger     *zap.Logger

	snapshotEvery int
	sinceSnapshot int

	submitMu sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
}

// commandRequest wraps a command with a response channel
type commandRequest struct {
	ctx      context.Context
	envelope *CommandEnvelope
	query    QueryFunc
	respChan chan *CommandExecResult
}

// NewEngine creates an engine around core and starts its loop
func NewEngine(core *matching.Core, config *EngineConfig, opts ...Option) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = 24 * time.Hour
	}
	if config.SnapshotEvery <= 0 {
		config.SnapshotEvery = 1
	}

	e := &Engine{
		core:          core,
		cmdQueue:      make(chan *commandRequest, config.QueueSize),
		idemStore:     NewIdempotencyStore(config.IdempotencyTTL),
		logger:        zap.NewNop(),
		snapshotEvery: config.SnapshotEvery,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.eventLoop()
	return e
}

// Stop drains queued commands and stops the loop. A final snapshot is
// saved when commands ran since the last one.
func (e *Engine) Stop() {
	e.submitMu.Lock()
	if e.stopped {
		e.submitMu.Unlock()
		return
	}
	e.stopped = true
	close(e.cmdQueue)
	e.submitMu.Unlock()

	e.wg.Wait()

	if e.stateStore != nil && e.sinceSnapshot > 0 {
		e.saveState(context.Background())
	}
}

// Submit runs a command and waits for its result. A ctx handed to a
// collaborator by Core during a transition is rejected, since the loop is
// busy running that very transition.
func (e *Engine) Submit(ctx context.Context, envelope *CommandEnvelope) *CommandExecResult {
	if envelope == nil {
		return &CommandExecResult{
			ErrorCode: ErrorCodeInvalidArgument,
			Err:       fmt.Errorf("command envelope is nil"),
		}
	}
	return e.enqueue(ctx, &commandRequest{envelope: envelope})
}

// Read runs fn on the engine goroutine and returns its value
func (e *Engine) Read(ctx context.Context, fn QueryFunc) (any, error) {
	if fn == nil {
		return nil, fmt.Errorf("query is nil")
	}
	res := e.enqueue(ctx, &commandRequest{query: fn})
	return res.Result, res.Err
}

func (e *Engine) enqueue(ctx context.Context, req *commandRequest) *CommandExecResult {
	if ctx == nil {
		ctx = context.Background()
	}
	if matching.InTransition(ctx) {
		return &CommandExecResult{
			ErrorCode: ErrorCodeReentrantCall,
			Err:       matching.ErrReentrantCall,
		}
	}

	req.ctx = ctx
	req.respChan = make(chan *CommandExecResult, 1)

	e.submitMu.RLock()
	if e.stopped {
		e.submitMu.RUnlock()
		return &CommandExecResult{
			ErrorCode: ErrorCodeUnavailable,
			Err:       fmt.Errorf("engine is stopped"),
		}
	}
	select {
	case e.cmdQueue <- req:
	case <-ctx.Done():
		e.submitMu.RUnlock()
		return &CommandExecResult{ErrorCode: ErrorCodeCanceled, Err: ctx.Err()}
	}
	e.submitMu.RUnlock()

	// Once queued the command runs to completion; a caller that gives up
	// only stops waiting for the answer.
	select {
	case res := <-req.respChan:
		return res
	case <-ctx.Done():
		return &CommandExecResult{ErrorCode: ErrorCodeCanceled, Err: ctx.Err()}
	}
}

// eventLoop is the main event loop that processes commands serially
func (e *Engine) eventLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(defaultIdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case req, ok := <-e.cmdQueue:
			if !ok {
				return
			}
			if req == nil {
				continue
			}
			if req.query != nil {
				v, err := req.query(req.ctx, e.core)
				req.respChan <- &CommandExecResult{Result: v, ErrorCode: MapErrorCode(err), Err: err}
				continue
			}
			req.respChan <- e.processCommand(req.ctx, req.envelope)
		case <-ticker.C:
			if n := e.idemStore.Sweep(); n > 0 {
				e.logger.Debug("idempotency records expired", zap.Int("count", n))
			}
		}
	}
}

// processCommand processes a single command
func (e *Engine) processCommand(ctx context.Context, envelope *CommandEnvelope) *CommandExecResult {
	start := time.Now()

	cacheable := envelope.IdempotencyKey != ""
	idemKey := IdempotencyKey{
		Caller:         envelope.Caller,
		PoolID:         envelope.PoolID,
		CommandType:    envelope.CommandType,
		IdempotencyKey: envelope.IdempotencyKey,
	}

	if cacheable {
		cached, hit, err := e.idemStore.Lookup(idemKey, envelope.PayloadHash)
		if err != nil {
			e.observe(envelope.CommandType, ErrorCodeDuplicateRequest, start)
			return &CommandExecResult{
				ErrorCode: ErrorCodeDuplicateRequest,
				Err:       err,
			}
		}
		if hit {
			e.logger.Debug("idempotent replay",
				zap.String("command_type", string(envelope.CommandType)),
				zap.String("idempotency_key", envelope.IdempotencyKey))
			return cached
		}
	}

	result := e.execute(ctx, envelope)
	e.observe(envelope.CommandType, result.ErrorCode, start)

	if result.Err != nil {
		e.logger.Debug("command rejected",
			zap.String("command_id", envelope.CommandID),
			zap.String("command_type", string(envelope.CommandType)),
			zap.String("code", string(result.ErrorCode)),
			zap.Error(result.Err))
	} else {
		e.afterCommit(ctx, result.Events())
	}

	// A reentrant rejection says nothing about the command itself
	if cacheable && result.ErrorCode != ErrorCodeReentrantCall {
		e.idemStore.Remember(idemKey, envelope.PayloadHash, result)
	}

	return result
}

// afterCommit fans events out to sinks, refreshes gauges and snapshots
func (e *Engine) afterCommit(ctx context.Context, events []matching.Event) {
	for _, s := range e.sinks {
		if err := s.sink.Apply(ctx, events); err != nil {
			e.logger.Error("event sink failed", zap.String("sink", s.name), zap.Error(err))
			if e.metrics != nil {
				e.metrics.SinkError(s.name)
			}
		}
	}

	if e.metrics != nil {
		e.recordEvents(events)
	}

	if e.stateStore != nil {
		e.sinceSnapshot++
		if e.sinceSnapshot >= e.snapshotEvery {
			e.saveState(ctx)
		}
	}
}

func (e *Engine) saveState(ctx context.Context) {
	if err := e.stateStore.SaveState(ctx, e.core.Snapshot()); err != nil {
		e.logger.Error("save state failed", zap.Error(err))
		if e.metrics != nil {
			e.metrics.SinkError("state")
		}
		return
	}
	e.sinceSnapshot = 0
}

func (e *Engine) recordEvents(events []matching.Event) {
	touched := make(map[string]bool)
	for _, evt := range events {
		id := evt.PoolID().Hex()
		switch ev := evt.(type) {
		case *matching.PacketsMatchedEvent:
			e.metrics.PacketsMatched(id, ev.Packets)
		case *matching.OrderDequeuedEvent:
			if ev.Reason == matching.DequeueReasonShortfall {
				e.metrics.Shortfall(id)
			}
		case *matching.InterestClaimedEvent:
			e.metrics.InterestClaimed(id)
		}
		if touched[id] {
			continue
		}
		touched[id] = true
		for _, side := range []matching.Side{matching.SideProducer, matching.SideConsumer} {
			q, err := e.core.Queue(evt.PoolID(), side)
			if err != nil {
				continue
			}
			e.metrics.SetQueueDepth(id, string(side), q.Depth())
		}
	}
}

func (e *Engine) observe(cmd CommandType, code ErrorCode, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveCommand(string(cmd), string(code), time.Since(start))
}
