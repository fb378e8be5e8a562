package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/hydra/internal/client"
	"github.com/tanq16/hydra/internal/decision"
	"github.com/tanq16/hydra/internal/storage"
	"github.com/tanq16/hydra/internal/utils"
)

// Config assembles the engine's collaborators. Zero values use defaults.
type Config struct {
	Client   client.Config
	Decision decision.Config

	// Connections is the starting connection count for new tasks.
	// Adaptation moves it within bounds afterwards; zero keeps the
	// engine default.
	Connections int
}

// Engine owns the task registry and drives transfers. One worker
// goroutine runs per active task; all tasks share one pooled HTTP client.
type Engine struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	workers   map[string]*workerHandle
	client    *client.Client
	clientCfg client.Config
	initConns int
	decisions *decision.Engine
	started   bool
	stopped   bool

	handlerMu sync.RWMutex
	handlers  []Handler

	log zerolog.Logger
}

type workerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config) *Engine {
	return &Engine{
		tasks:     make(map[string]*Task),
		workers:   make(map[string]*workerHandle),
		clientCfg: cfg.Client,
		initConns: cfg.Connections,
		decisions: decision.NewEngine(cfg.Decision),
		log:       utils.GetLogger("transfer-engine"),
	}
}

// Start constructs the shared transfer client and announces readiness.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.client == nil {
		e.client = client.New(e.clientCfg)
	}
	e.started = true
	e.stopped = false
	e.mu.Unlock()
	e.log.Info().Msg("Transfer engine started")
	e.emit(EventEngineStarted, nil)
}

// Stop cancels all active tasks, closes the shared client, and emits
// engine_stopped. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped || !e.started {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	var activeIDs []string
	for id, task := range e.tasks {
		if task.Status() == StatusActive {
			activeIDs = append(activeIDs, id)
		}
	}
	e.mu.Unlock()

	for _, id := range activeIDs {
		e.CancelTask(id)
	}

	e.mu.Lock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.started = false
	e.mu.Unlock()
	e.log.Info().Msg("Transfer engine stopped")
	e.emit(EventEngineStopped, nil)
}

// AddTask probes the URL and registers a queued task. A probe failure
// emits a download_failed event with a freshly minted id and returns the
// error without registering anything.
func (e *Engine) AddTask(ctx context.Context, url, outputDir, filename string, autoStart bool) (string, error) {
	e.mu.RLock()
	httpClient := e.client
	e.mu.RUnlock()
	if httpClient == nil {
		return "", fmt.Errorf("engine not started")
	}

	info, err := httpClient.Probe(ctx, url)
	if err != nil {
		failedID := uuid.NewString()
		e.log.Error().Err(err).Str("url", url).Msg("Probe failed")
		e.emit(EventDownloadFailed, map[string]any{
			"task_id": failedID,
			"url":     url,
			"error":   err.Error(),
		})
		return "", fmt.Errorf("error probing URL: %w", err)
	}

	finalName := filename
	if finalName == "" {
		finalName = info.Filename
	}
	task := newTask(uuid.NewString(), url, filepath.Join(outputDir, finalName), finalName, info.Size, info.SupportsRanges)
	if e.initConns > 0 {
		task.setConnections(e.initConns)
	}

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()

	e.log.Debug().Str("id", task.ID).Str("url", url).Int64("size", info.Size).Bool("ranges", info.SupportsRanges).Msg("Task registered")
	e.emit(EventDownloadAdded, map[string]any{
		"task_id":         task.ID,
		"url":             url,
		"filename":        finalName,
		"size":            info.Size,
		"supports_ranges": info.SupportsRanges,
	})

	if autoStart {
		e.StartTask(task.ID)
	}
	return task.ID, nil
}

// StartTask launches the worker for a queued or paused task; any other
// state is a no-op.
func (e *Engine) StartTask(id string) {
	e.mu.Lock()
	task, ok := e.tasks[id]
	if !ok || (task.Status() != StatusQueued && task.Status() != StatusPaused) {
		e.mu.Unlock()
		return
	}
	task.setStatus(StatusActive)
	ctx, cancel := context.WithCancel(context.Background())
	handle := &workerHandle{cancel: cancel, done: make(chan struct{})}
	e.workers[id] = handle
	e.mu.Unlock()

	e.emit(EventDownloadStarted, map[string]any{"task_id": id})
	go e.runWorker(ctx, task, handle)
}

// PauseTask cooperatively stops an active worker and marks the task
// paused. Resume state was persisted by the worker on its way out.
func (e *Engine) PauseTask(id string) {
	e.mu.Lock()
	task, ok := e.tasks[id]
	handle := e.workers[id]
	e.mu.Unlock()
	if !ok || task.Status() != StatusActive {
		return
	}
	if handle != nil {
		handle.cancel()
		<-handle.done
	}
	// The worker may have finished on its own while we were cancelling.
	if task.Status() != StatusActive {
		return
	}
	task.setStatus(StatusPaused)
	e.emit(EventDownloadPaused, map[string]any{"task_id": id})
}

// CancelTask stops the worker if running, removes partial state, and
// marks the task cancelled.
func (e *Engine) CancelTask(id string) {
	e.mu.Lock()
	task, ok := e.tasks[id]
	handle := e.workers[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	if handle != nil {
		handle.cancel()
		<-handle.done
	}
	// Best-effort file removal; bookkeeping proceeds regardless.
	storage.NewWriter(task.Filepath, task.TotalSize).Cleanup()
	task.setStatus(StatusCancelled)
	e.emit(EventDownloadCancelled, map[string]any{"task_id": id})
}

// DeleteTask removes a task from the registry, cancelling its worker
// first and optionally deleting on-disk files. Reports whether a task
// with that id existed.
func (e *Engine) DeleteTask(id string, deleteFiles bool) bool {
	e.mu.Lock()
	task, ok := e.tasks[id]
	handle := e.workers[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	if handle != nil && task.Status() == StatusActive {
		handle.cancel()
		<-handle.done
	}
	if deleteFiles {
		storage.NewWriter(task.Filepath, task.TotalSize).Cleanup()
		os.Remove(task.Filepath)
	}
	e.mu.Lock()
	delete(e.tasks, id)
	delete(e.workers, id)
	e.mu.Unlock()
	e.emit(EventDownloadDeleted, map[string]any{
		"task_id":      id,
		"filename":     task.Filename,
		"delete_files": deleteFiles,
	})
	return true
}

func (e *Engine) GetTask(id string) (*Task, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	task, ok := e.tasks[id]
	return task, ok
}

// ListByStatus returns tasks in the given state; the empty status lists
// every task.
func (e *Engine) ListByStatus(status Status) []*Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Task
	for _, task := range e.tasks {
		if status == "" || task.Status() == status {
			out = append(out, task)
		}
	}
	return out
}

// Decisions exposes the adaptive decision history for export.
func (e *Engine) Decisions() *decision.Engine {
	return e.decisions
}
