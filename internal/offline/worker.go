package offline

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
)

// State is a worker lifecycle phase.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

// Event is a lifecycle event routed by Worker.Dispatch.
type Event interface {
	eventName() string
}

// InstallEvent triggers manifest pre-caching.
type InstallEvent struct{}

// ActivateEvent triggers stale generation cleanup.
type ActivateEvent struct{}

// FetchEvent carries an intercepted outgoing request.
type FetchEvent struct {
	Request *http.Request
}

func (InstallEvent) eventName() string  { return "install" }
func (ActivateEvent) eventName() string { return "activate" }
func (FetchEvent) eventName() string    { return "fetch" }

// ErrNotInstalled 表示在安装完成前收到了 activate 事件。
var ErrNotInstalled = errors.New("worker not installed")

// Worker drives a Manager through its lifecycle and routes fetch events.
// Fetch handling is only reachable once the worker is activated.
type Worker struct {
	manager *Manager
	logger  *logrus.Logger

	mu          sync.RWMutex
	state       State
	installing  bool
	skipWaiting bool
	claimed     bool
	install     InstallReport
	activate    ActivateReport
}

// NewWorker 创建处于 installing 状态的 Worker。
func NewWorker(manager *Manager, logger *logrus.Logger) *Worker {
	return &Worker{
		manager: manager,
		logger:  logger,
		state:   StateInstalling,
	}
}

// Start runs install, skips the waiting phase, activates and claims clients.
// It returns once activation has settled.
func (w *Worker) Start(ctx context.Context) error {
	w.Dispatch(ctx, InstallEvent{})
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := w.dispatchActivate(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// Dispatch routes ev to its handler. Lifecycle events yield a pass-through
// result; fetch events before activation are not intercepted.
func (w *Worker) Dispatch(ctx context.Context, ev Event) FetchResult {
	switch e := ev.(type) {
	case InstallEvent:
		w.handleInstall(ctx)
	case ActivateEvent:
		_, _ = w.dispatchActivate(ctx)
	case FetchEvent:
		if w.State() != StateActivated {
			return FetchResult{Decision: DecisionPassThrough}
		}
		return w.manager.Fetch(ctx, e.Request)
	default:
		if w.logger != nil {
			w.logger.WithField("action", "dispatch").Warn("unknown_event")
		}
	}
	return FetchResult{Decision: DecisionPassThrough}
}

func (w *Worker) handleInstall(ctx context.Context) {
	w.mu.Lock()
	if w.state != StateInstalling || w.installing {
		w.mu.Unlock()
		return
	}
	w.installing = true
	w.mu.Unlock()

	report := w.manager.Install(ctx)

	w.mu.Lock()
	w.install = report
	w.state = StateInstalled
	// 与浏览器 skipWaiting 一致：安装完成后立即具备激活资格，不等待旧客户端关闭。
	w.skipWaiting = true
	w.mu.Unlock()
	w.logTransition(StateInstalled)
}

func (w *Worker) dispatchActivate(ctx context.Context) (ActivateReport, error) {
	w.mu.Lock()
	if w.state == StateActivated {
		report := w.activate
		w.mu.Unlock()
		return report, nil
	}
	if w.state != StateInstalled {
		w.mu.Unlock()
		return ActivateReport{}, ErrNotInstalled
	}
	w.state = StateActivating
	w.mu.Unlock()
	w.logTransition(StateActivating)

	report := w.manager.Activate(ctx)

	w.mu.Lock()
	w.activate = report
	w.state = StateActivated
	w.claimed = true
	w.mu.Unlock()
	w.logTransition(StateActivated)
	return report, nil
}

func (w *Worker) logTransition(state State) {
	if w.logger == nil {
		return
	}
	fields := logging.LifecycleFields("lifecycle", w.manager.cfg.Version, state.String())
	w.mu.RLock()
	fields["skip_waiting"] = w.skipWaiting
	fields["claimed"] = w.claimed
	w.mu.RUnlock()
	w.logger.WithFields(fields).Info("worker_state_changed")
}

// State returns the current lifecycle phase.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Claimed reports whether the worker controls all open clients.
func (w *Worker) Claimed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.claimed
}

// SkippedWaiting reports whether install signalled skip-waiting.
func (w *Worker) SkippedWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// InstallReport returns the outcome of the last install.
func (w *Worker) InstallReport() InstallReport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.install
}

// ActivateReport returns the outcome of activation.
func (w *Worker) ActivateReport() ActivateReport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.activate
}

// Version returns the cache version this worker owns.
func (w *Worker) Version() string {
	return w.manager.cfg.Version
}

// Manager returns the wrapped Manager.
func (w *Worker) Manager() *Manager {
	return w.manager
}
