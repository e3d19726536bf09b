package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redwing-381/projectx/internal/capture"
	"github.com/redwing-381/projectx/internal/commands"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the sync lifecycle state.
type State string

const (
	StateIdle           State = "IDLE"
	StateRunning        State = "RUNNING"
	StateSuccess        State = "SUCCESS"
	StateRetryScheduled State = "RETRY_SCHEDULED"
	StateSkipped        State = "SKIPPED"
)

const (
	DefaultSyncInterval    = 10 * time.Minute
	DefaultCommandInterval = 30 * time.Second
	DefaultRetryBase       = time.Minute
	DefaultRetryMax        = 5 * time.Hour

	messageNotConfigured      = "server not configured"
	messageMonitoringDisabled = "monitoring disabled"
	messageNothingToSync      = "no new notifications"
)

// Queue is the local capture store as seen by the agent.
type Queue interface {
	Unsynced(ctx context.Context) ([]capture.Message, error)
	MarkSynced(ctx context.Context, ids []string) error
	PurgeSynced(ctx context.Context) (int64, error)
	Pending(ctx context.Context) (int, error)
	MonitoringEnabled(ctx context.Context) (bool, error)
	SetMonitoringEnabled(ctx context.Context, enabled bool) error
	SetSyncStatus(ctx context.Context, payload string) error
}

// Server is the remote API as seen by the agent. *Client satisfies it.
type Server interface {
	Configured() bool
	Health(ctx context.Context) error
	Upload(ctx context.Context, messages []capture.Message) (UploadResult, error)
	PollCommands(ctx context.Context) (CommandList, error)
	Acknowledge(ctx context.Context, commandID uint) error
}

// Config describes the dependencies of the agent.
type Config struct {
	Queue           Queue
	Server          Server
	Clock           func() time.Time
	SyncInterval    time.Duration
	CommandInterval time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	Logger          *zap.Logger
}

// Status is the snapshot shown by the status command.
type Status struct {
	State               State     `json:"state"`
	Message             string    `json:"message"`
	LastRunAt           time.Time `json:"last_run_at"`
	LastSuccessAt       time.Time `json:"last_success_at"`
	NextRunAt           time.Time `json:"next_run_at"`
	Uploaded            int       `json:"uploaded"`
	Processed           int       `json:"processed"`
	UrgentCount         int       `json:"urgent_count"`
	Pending             int       `json:"pending"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MonitoringEnabled   bool      `json:"monitoring_enabled"`
}

// RunResult reports a single sync attempt.
type RunResult struct {
	State       State
	Message     string
	Uploaded    int
	Processed   int
	UrgentCount int
	RetryAfter  time.Duration
	// Coalesced is true when another run was already in flight and this call did nothing.
	Coalesced bool
}

// Agent uploads queued notifications and applies server commands.
type Agent struct {
	queue           Queue
	server          Server
	clock           func() time.Time
	syncInterval    time.Duration
	commandInterval time.Duration
	retryBase       time.Duration
	retryMax        time.Duration
	logger          *zap.Logger

	inFlight atomic.Bool
	trigger  chan struct{}
	resumed  chan struct{}

	mu     sync.Mutex
	status Status
}

// New constructs an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Queue == nil {
		return nil, errors.New("syncagent: queue required")
	}
	if cfg.Server == nil {
		return nil, errors.New("syncagent: server client required")
	}
	agent := &Agent{
		queue:           cfg.Queue,
		server:          cfg.Server,
		clock:           cfg.Clock,
		syncInterval:    cfg.SyncInterval,
		commandInterval: cfg.CommandInterval,
		retryBase:       cfg.RetryBase,
		retryMax:        cfg.RetryMax,
		logger:          cfg.Logger,
		trigger:         make(chan struct{}, 1),
		resumed:         make(chan struct{}, 1),
		status:          Status{State: StateIdle, MonitoringEnabled: true},
	}
	if agent.clock == nil {
		agent.clock = time.Now
	}
	if agent.syncInterval <= 0 {
		agent.syncInterval = DefaultSyncInterval
	}
	if agent.commandInterval <= 0 {
		agent.commandInterval = DefaultCommandInterval
	}
	if agent.retryBase <= 0 {
		agent.retryBase = DefaultRetryBase
	}
	if agent.retryMax < agent.retryBase {
		agent.retryMax = DefaultRetryMax
		if agent.retryMax < agent.retryBase {
			agent.retryMax = agent.retryBase
		}
	}
	if agent.logger == nil {
		agent.logger = zap.NewNop()
	}
	return agent, nil
}

// Status returns the current snapshot.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// RunOnce performs one sync attempt.
func (a *Agent) RunOnce(ctx context.Context) RunResult {
	if !a.inFlight.CompareAndSwap(false, true) {
		return RunResult{State: StateRunning, Message: "sync already in progress", Coalesced: true}
	}
	defer a.inFlight.Store(false)

	a.mu.Lock()
	a.status.State = StateRunning
	a.status.Message = "syncing"
	a.mu.Unlock()

	return a.record(ctx, a.sync(ctx))
}

func (a *Agent) sync(ctx context.Context) RunResult {
	if !a.server.Configured() {
		return RunResult{State: StateSkipped, Message: messageNotConfigured}
	}
	enabled, err := a.queue.MonitoringEnabled(ctx)
	if err != nil {
		return a.retry(fmt.Errorf("read monitoring flag: %w", err))
	}
	if !enabled {
		return RunResult{State: StateSkipped, Message: messageMonitoringDisabled}
	}

	messages, err := a.queue.Unsynced(ctx)
	if err != nil {
		return a.retry(err)
	}
	if len(messages) == 0 {
		return RunResult{State: StateSuccess, Message: messageNothingToSync}
	}

	if err := a.server.Health(ctx); err != nil {
		return a.retry(fmt.Errorf("server unreachable: %w", err))
	}
	uploaded, err := a.server.Upload(ctx, messages)
	if err != nil {
		return a.retry(err)
	}

	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	if err := a.queue.MarkSynced(ctx, ids); err != nil {
		return a.retry(err)
	}
	if _, err := a.queue.PurgeSynced(ctx); err != nil {
		a.logger.Warn("purge synced messages failed", zap.Error(err))
	}
	if uploaded.MonitoringEnabled != enabled {
		if err := a.applyMonitoring(ctx, uploaded.MonitoringEnabled, "upload response"); err != nil {
			a.logger.Warn("adopt server monitoring flag failed", zap.Error(err))
		}
	}

	message := fmt.Sprintf("Synced %d notifications", len(messages))
	if uploaded.UrgentCount > 0 {
		message += fmt.Sprintf(", %d urgent", uploaded.UrgentCount)
	}
	return RunResult{
		State:       StateSuccess,
		Message:     message,
		Uploaded:    len(messages),
		Processed:   uploaded.Processed,
		UrgentCount: uploaded.UrgentCount,
	}
}

func (a *Agent) retry(err error) RunResult {
	return RunResult{State: StateRetryScheduled, Message: err.Error()}
}

// record folds a result into the status snapshot and persists it.
func (a *Agent) record(ctx context.Context, result RunResult) RunResult {
	now := a.clock()

	a.mu.Lock()
	a.status.State = result.State
	a.status.Message = result.Message
	a.status.LastRunAt = now
	switch result.State {
	case StateSuccess:
		a.status.ConsecutiveFailures = 0
		a.status.LastSuccessAt = now
		a.status.Uploaded = result.Uploaded
		a.status.Processed = result.Processed
		a.status.UrgentCount = result.UrgentCount
		a.status.NextRunAt = now.Add(a.syncInterval)
	case StateRetryScheduled:
		a.status.ConsecutiveFailures++
		result.RetryAfter = a.backoff(a.status.ConsecutiveFailures)
		a.status.NextRunAt = now.Add(result.RetryAfter)
	default:
		a.status.NextRunAt = now.Add(a.syncInterval)
	}
	failures := a.status.ConsecutiveFailures
	a.mu.Unlock()

	fields := []zap.Field{
		zap.String("state", string(result.State)),
		zap.String("message", result.Message),
		zap.Int("uploaded", result.Uploaded),
		zap.Int("consecutive_failures", failures),
	}
	if result.State == StateRetryScheduled {
		a.logger.Warn("sync failed, retry scheduled", append(fields, zap.Duration("retry_after", result.RetryAfter))...)
	} else {
		a.logger.Info("sync finished", fields...)
	}
	a.persistStatus(ctx)
	return result
}

// backoff returns the delay before retry number failures: retryBase doubled per failure, capped at retryMax.
func (a *Agent) backoff(failures int) time.Duration {
	delay := a.retryBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= a.retryMax {
			return a.retryMax
		}
	}
	if delay > a.retryMax {
		return a.retryMax
	}
	return delay
}

func (a *Agent) persistStatus(ctx context.Context) {
	if pending, err := a.queue.Pending(ctx); err == nil {
		a.mu.Lock()
		a.status.Pending = pending
		a.mu.Unlock()
	}
	if enabled, err := a.queue.MonitoringEnabled(ctx); err == nil {
		a.mu.Lock()
		a.status.MonitoringEnabled = enabled
		a.mu.Unlock()
	}
	payload, err := json.Marshal(a.Status())
	if err != nil {
		a.logger.Warn("encode sync status failed", zap.Error(err))
		return
	}
	if err := a.queue.SetSyncStatus(ctx, string(payload)); err != nil {
		a.logger.Warn("persist sync status failed", zap.Error(err))
	}
}

// SyncNow requests an immediate run. It returns false when the request was dropped
// because a run is already in flight or already requested.
func (a *Agent) SyncNow() bool {
	if a.inFlight.Load() {
		return false
	}
	select {
	case a.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run drives the sync scheduler and the command poller until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.syncLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		a.commandLoop(groupCtx)
		return nil
	})
	return group.Wait()
}

func (a *Agent) syncLoop(ctx context.Context) {
	for {
		timer := time.NewTimer(a.untilNextRun())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-a.trigger:
			timer.Stop()
		}

		result := a.RunOnce(ctx)
		if result.State != StateSkipped || result.Message != messageMonitoringDisabled {
			continue
		}
		a.logger.Info("monitoring disabled, sync paused")
		select {
		case <-ctx.Done():
			return
		case <-a.resumed:
			a.logger.Info("monitoring enabled, sync resumed")
		}
	}
}

func (a *Agent) untilNextRun() time.Duration {
	a.mu.Lock()
	next := a.status.NextRunAt
	a.mu.Unlock()
	if next.IsZero() {
		return 0
	}
	wait := next.Sub(a.clock())
	if wait < 0 {
		return 0
	}
	return wait
}

func (a *Agent) commandLoop(ctx context.Context) {
	ticker := time.NewTicker(a.commandInterval)
	defer ticker.Stop()
	for {
		if _, err := a.PollCommands(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("command poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollCommands fetches pending commands and applies them in creation order.
// Each command's effect is persisted before it is acknowledged; a failed ack
// leaves the command pending so the server redelivers it.
func (a *Agent) PollCommands(ctx context.Context) (int, error) {
	if !a.server.Configured() {
		return 0, nil
	}
	list, err := a.server.PollCommands(ctx)
	if err != nil {
		return 0, err
	}
	if len(list.Commands) == 0 {
		if err := a.applyMonitoring(ctx, list.MonitoringEnabled, "server state"); err != nil {
			return 0, err
		}
		return 0, nil
	}

	applied := 0
	for _, command := range list.Commands {
		commandType, err := commands.ParseType(command.Command)
		if err != nil {
			a.logger.Warn("ignoring unknown command", zap.Uint("command_id", command.ID), zap.String("command", command.Command))
			continue
		}
		if err := a.applyMonitoring(ctx, commandType == commands.TypeStartMonitoring, "command"); err != nil {
			return applied, err
		}
		applied++
		if err := a.server.Acknowledge(ctx, command.ID); err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
				a.logger.Debug("command no longer pending", zap.Uint("command_id", command.ID))
				continue
			}
			a.logger.Warn("command ack failed, awaiting redelivery", zap.Uint("command_id", command.ID), zap.Error(err))
		}
	}
	a.persistStatus(ctx)
	return applied, nil
}

// applyMonitoring persists the local monitoring flag when it changes.
func (a *Agent) applyMonitoring(ctx context.Context, enabled bool, origin string) error {
	current, err := a.queue.MonitoringEnabled(ctx)
	if err != nil {
		return err
	}
	if current == enabled {
		return nil
	}
	if err := a.queue.SetMonitoringEnabled(ctx, enabled); err != nil {
		return err
	}
	a.mu.Lock()
	a.status.MonitoringEnabled = enabled
	a.mu.Unlock()
	a.logger.Info("local monitoring changed", zap.Bool("enabled", enabled), zap.String("origin", origin))
	if enabled {
		select {
		case a.resumed <- struct{}{}:
		default:
		}
	}
	return nil
}

// StatusSource reads a persisted status snapshot.
type StatusSource interface {
	SyncStatus(ctx context.Context) (string, bool, error)
}

// ReadStatus loads the last persisted snapshot.
func ReadStatus(ctx context.Context, store StatusSource) (Status, bool, error) {
	payload, ok, err := store.SyncStatus(ctx)
	if err != nil || !ok {
		return Status{State: StateIdle}, false, err
	}
	var status Status
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return Status{State: StateIdle}, false, fmt.Errorf("syncagent: decode status: %w", err)
	}
	return status, true, nil
}
