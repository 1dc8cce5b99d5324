// Package supervisor spawns, monitors, restarts, and port-allocates one
// tool-server child process per record. Grounded on
// internal/lifecycle/ollama.go's exec.Cmd-spawn pattern (injectable command
// constructor, background cmd.Wait() goroutine so a dead child is reaped
// rather than left a zombie), generalized from managing one well-known
// external binary to managing an arbitrary number of supervisor-owned
// children.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Coder-Upsilon/little-kb/internal/store"
)

// ErrNoPortsAvailable is returned by Create when every port in the
// configured range is already claimed.
var ErrNoPortsAvailable = errors.New("no ports available in configured range")

const (
	maxRestartAttempts = 3
	restartWindow      = 60 * time.Second

	// gracefulStopTimeout is how long stopByID waits for a child to exit
	// after SIGTERM before escalating to SIGKILL.
	gracefulStopTimeout = 5 * time.Second
)

// Spawner constructs the command for a tool server's child process, given
// its record and assigned port. Injectable for testing, same role as
// OllamaManager.execCommand.
type Spawner func(rec *store.ToolServerRecord, port int) *exec.Cmd

// process tracks one running (or restarting) child.
type process struct {
	cmd     *exec.Cmd
	port    int
	exited  chan struct{}
	exitErr error
}

// Supervisor owns the set of live tool-server child processes and reconciles
// them against the persisted ToolServerRecord set.
type Supervisor struct {
	meta  store.MetadataStore
	spawn Spawner
	ports *portAllocator

	mu       sync.Mutex
	procs    map[string]*process    // server id -> running process, absent if stopped/crashed
	restarts map[string][]time.Time // server id -> restart attempts within restartWindow, tracked across process instances
}

// New creates a supervisor. spawn builds the exec.Cmd for a server's child
// process; callers typically pass a closure that re-execs the current
// binary in "tool-server" mode with the record's id and assigned port.
func New(meta store.MetadataStore, spawn Spawner, ports PortRange) *Supervisor {
	return &Supervisor{
		meta:     meta,
		spawn:    spawn,
		ports:    newPortAllocator(ports),
		procs:    make(map[string]*process),
		restarts: make(map[string][]time.Time),
	}
}

// Reconcile starts every enabled, not-yet-running record and stops any
// running process whose record is now disabled or gone, so a child process
// is running on the assigned port for every enabled record and nowhere
// else. Called at startup, on the periodic poll, and immediately whenever
// cmd/littlekb/cmd/serve.go's config.json watcher fires, so a record
// another littlekb invocation committed to the metadata store in the
// meantime is picked up without waiting for the next poll.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	records, err := s.meta.ListToolServers(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: list tool servers: %w", err)
	}

	live := make(map[string]bool, len(records))
	for _, rec := range records {
		live[rec.ID] = true
		if !rec.Enabled {
			s.stopIfRunning(ctx, rec)
			continue
		}
		if s.isRunning(rec.ID) {
			continue
		}
		s.mu.Lock()
		err := s.startLocked(ctx, rec)
		s.mu.Unlock()
		if err != nil {
			slog.Error("supervisor_reconcile_start_failed",
				slog.String("server_id", rec.ID), slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	var stale []string
	for id := range s.procs {
		if !live[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.stopByID(ctx, id)
	}

	return nil
}

// Create allocates a port, persists a new stopped-state record, and starts
// it if enabled.
func (s *Supervisor) Create(ctx context.Context, rec *store.ToolServerRecord, requestedPort int) error {
	port, err := s.ports.acquire(rec.ID, requestedPort)
	if err != nil {
		return err
	}
	rec.Port = port
	rec.Status = store.ServerStopped
	if err := s.meta.SaveToolServer(ctx, rec); err != nil {
		s.ports.release(port)
		return fmt.Errorf("supervisor: save tool server: %w", err)
	}
	if rec.Enabled {
		return s.Start(ctx, rec.ID)
	}
	return nil
}

// Update persists field changes and restarts the server atomically (stop ->
// wait -> start on the same port) if it's currently running, so a change
// that affects what clients see takes effect immediately.
func (s *Supervisor) Update(ctx context.Context, rec *store.ToolServerRecord) error {
	wasRunning := s.isRunning(rec.ID)
	if err := s.meta.SaveToolServer(ctx, rec); err != nil {
		return fmt.Errorf("supervisor: save tool server: %w", err)
	}
	if wasRunning {
		if err := s.Stop(ctx, rec.ID); err != nil {
			return err
		}
		return s.Start(ctx, rec.ID)
	}
	return nil
}

// Delete stops the server if running, releases its port, and removes the
// record.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	rec, err := s.meta.GetToolServer(ctx, id)
	if err != nil {
		return fmt.Errorf("supervisor: get tool server: %w", err)
	}
	s.stopByID(ctx, id)
	s.ports.release(rec.Port)
	return s.meta.DeleteToolServer(ctx, id)
}

// Start spawns id's child process if it isn't already running.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	rec, err := s.meta.GetToolServer(ctx, id)
	if err != nil {
		return fmt.Errorf("supervisor: get tool server: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, rec)
}

// startLocked assumes s.mu is held by the caller. Start, monitor and
// Reconcile each take the lock around the call; Reconcile takes it per
// record rather than across the whole loop.
func (s *Supervisor) startLocked(ctx context.Context, rec *store.ToolServerRecord) error {
	if _, ok := s.procs[rec.ID]; ok {
		return nil
	}

	rec.Status = store.ServerStarting
	if err := s.meta.SaveToolServer(ctx, rec); err != nil {
		return fmt.Errorf("supervisor: save starting status: %w", err)
	}

	cmd := s.spawn(rec, rec.Port)
	if err := cmd.Start(); err != nil {
		rec.Status = store.ServerCrashed
		rec.LastError = err.Error()
		_ = s.meta.SaveToolServer(ctx, rec)
		return fmt.Errorf("supervisor: start child for %s: %w", rec.ID, err)
	}
	// The child has its own duplicated fd for stdout/stderr after fork/exec;
	// close the parent's copy if the spawner handed us a log file so restarts
	// don't leak file descriptors.
	if f, ok := cmd.Stdout.(*os.File); ok && f != os.Stdout {
		_ = f.Close()
	}
	if f, ok := cmd.Stderr.(*os.File); ok && f != os.Stderr && cmd.Stderr != cmd.Stdout {
		_ = f.Close()
	}

	proc := &process{cmd: cmd, port: rec.Port, exited: make(chan struct{})}
	s.procs[rec.ID] = proc

	rec.Status = store.ServerRunning
	rec.LastError = ""
	if err := s.meta.SaveToolServer(ctx, rec); err != nil {
		slog.Error("supervisor_save_running_failed", slog.String("server_id", rec.ID), slog.String("error", err.Error()))
	}

	go s.monitor(context.Background(), rec.ID, proc)
	return nil
}

// monitor waits for the child to exit, then either restarts it (within
// budget) or pins it crashed: a record cycles stopped -> starting ->
// running -> (stopping -> stopped) | crashed, and from crashed the
// supervisor attempts bounded automatic restart (3 attempts within 60s)
// before pinning the record at crashed for good. Deliberately not built on
// errors.CircuitBreaker: a breaker's half-open retry-after-cooldown model
// reopens the gate once resetTimeout elapses, but a crashed tool server
// should stay pinned until an operator intervenes, not get silently
// retried again once enough wall-clock time has passed. The restart budget
// is tracked here as a simple timestamp slice instead.
func (s *Supervisor) monitor(ctx context.Context, id string, proc *process) {
	proc.exitErr = proc.cmd.Wait()
	close(proc.exited)

	s.mu.Lock()
	current, ok := s.procs[id]
	stopped := !ok || current != proc
	if !stopped {
		delete(s.procs, id)
	}
	s.mu.Unlock()

	if stopped {
		// Stop() already removed this process entry; the exit is expected.
		return
	}

	rec, err := s.meta.GetToolServer(ctx, id)
	if err != nil {
		slog.Error("supervisor_monitor_get_failed", slog.String("server_id", id), slog.String("error", err.Error()))
		return
	}

	reason := "child process exited unexpectedly"
	if proc.exitErr != nil {
		reason = proc.exitErr.Error()
	}
	rec.LastError = reason

	now := time.Now()
	s.mu.Lock()
	attempts := append(trimRestartWindow(s.restarts[id], now), now)
	s.restarts[id] = attempts
	s.mu.Unlock()

	if len(attempts) > maxRestartAttempts {
		rec.Status = store.ServerCrashed
		_ = s.meta.SaveToolServer(ctx, rec)
		slog.Warn("supervisor_restart_budget_exceeded",
			slog.String("server_id", id), slog.Int("attempts", len(attempts)))
		return
	}

	rec.Status = store.ServerCrashed
	_ = s.meta.SaveToolServer(ctx, rec)

	s.mu.Lock()
	startErr := s.startLocked(ctx, rec)
	s.mu.Unlock()
	if startErr != nil {
		slog.Error("supervisor_restart_failed", slog.String("server_id", id), slog.String("error", startErr.Error()))
	}
}

func trimRestartWindow(restarts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-restartWindow)
	out := restarts[:0]
	for _, t := range restarts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Stop signals id's child to terminate and waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	return s.stopByID(ctx, id)
}

func (s *Supervisor) stopByID(ctx context.Context, id string) error {
	s.mu.Lock()
	proc, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
	}
	delete(s.restarts, id) // a deliberate stop resets the crash-restart budget
	s.mu.Unlock()
	if !ok {
		return nil
	}

	rec, err := s.meta.GetToolServer(ctx, id)
	if err == nil {
		rec.Status = store.ServerStopping
		_ = s.meta.SaveToolServer(ctx, rec)
	}

	if proc.cmd.Process != nil {
		if sigErr := proc.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			// Process may already be gone, or the platform may not support
			// SIGTERM; either way fall straight to a hard kill below.
			_ = proc.cmd.Process.Kill()
		} else {
			select {
			case <-proc.exited:
			case <-time.After(gracefulStopTimeout):
				slog.Warn("supervisor_stop_timeout_kill", slog.String("server_id", id))
				_ = proc.cmd.Process.Kill()
			}
		}
	}
	<-proc.exited

	if err == nil {
		rec.Status = store.ServerStopped
		rec.LastError = ""
		_ = s.meta.SaveToolServer(ctx, rec)
	}
	return nil
}

func (s *Supervisor) stopIfRunning(ctx context.Context, rec *store.ToolServerRecord) {
	if s.isRunning(rec.ID) {
		s.stopByID(ctx, rec.ID)
	}
}

func (s *Supervisor) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[id]
	return ok
}

// UpdatePortRange changes the band future port acquisitions draw from,
// called when config.json's "mcp" port range changes underneath a running
// supervisor (see cmd/littlekb/cmd/serve.go's fsnotify watch on
// config.json). It doesn't itself start or stop any child; the caller
// should follow it with Reconcile if records outside the new range need
// re-evaluating.
func (s *Supervisor) UpdatePortRange(rng PortRange) {
	s.ports.setRange(rng)
}

// Shutdown stops every running child, used when the owning process exits.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.stopByID(ctx, id)
	}
}
