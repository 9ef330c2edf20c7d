// ABOUTME: Spawns agent processes in their own process group with pid and log files
// ABOUTME: Reaps every child in a wait goroutine; termination is SIGTERM to the group, then SIGKILL after a grace period

package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrAlreadyRunning is returned when spawning a name that has a live process.
	ErrAlreadyRunning = errors.New("process already running")

	// ErrExited is returned when signalling a process that has been reaped.
	ErrExited = errors.New("process exited")
)

// Spec describes a process to spawn.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs appended to the runtime's environment
	Dir     string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "killed by " + s.Signal
	case s.Err != nil:
		return s.Err.Error()
	default:
		return "exit code " + strconv.Itoa(s.Code)
	}
}

// Handle is a spawned process. Done is closed once it has been reaped.
type Handle struct {
	Name      string
	PID       int
	PGID      int
	StartedAt time.Time
	LogFile   string
	PIDFile   string

	done   chan struct{}
	status ExitStatus
}

// Done is closed after the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the exit status. Only meaningful after Done is closed.
func (h *Handle) Exit() ExitStatus {
	<-h.done
	return h.status
}

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Manager tracks running processes with pid files and process groups.
type Manager struct {
	pidDir    string
	logDir    string
	processes map[string]*Handle
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewManager creates a process manager writing pid files to pidDir and
// process output to logDir.
func NewManager(pidDir, logDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pidDir:    pidDir,
		logDir:    logDir,
		processes: make(map[string]*Handle),
		logger:    logger.With("component", "process"),
	}
}

// Spawn starts spec in a new process group. The process outlives ctx; ctx
// only bounds the setup work.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.processes[spec.Name]; ok && !h.Exited() {
		return nil, fmt.Errorf("%s (pid %d): %w", spec.Name, h.PID, ErrAlreadyRunning)
	}

	if err := os.MkdirAll(m.pidDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile := filepath.Join(m.logDir, spec.Name+".log")
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f

	if err := cmd.Start(); err != nil {
		f.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	h := &Handle{
		Name:      spec.Name,
		PID:       pid,
		PGID:      pgid,
		StartedAt: time.Now(),
		LogFile:   logFile,
		PIDFile:   m.pidFile(spec.Name),
		done:      make(chan struct{}),
	}

	if err := atomicWriteFile(h.PIDFile, []byte(strconv.Itoa(pid))); err != nil {
		m.logger.Warn("failed to write pid file", "name", spec.Name, "error", err)
	}
	m.processes[spec.Name] = h

	go m.reap(cmd, h, f)

	m.logger.Info("process started",
		"name", spec.Name,
		"pid", pid,
		"command", spec.Command,
		"log", logFile)
	return h, nil
}

func (m *Manager) reap(cmd *exec.Cmd, h *Handle, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()
	h.status = exitStatus(err)

	m.mu.Lock()
	if m.processes[h.Name] == h {
		delete(m.processes, h.Name)
	}
	m.mu.Unlock()
	os.Remove(h.PIDFile)

	close(h.done)
	m.logger.Info("process exited", "name", h.Name, "pid", h.PID, "status", h.status.String())
}

func exitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: -1, Signal: ws.Signal().String()}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	return ExitStatus{Code: -1, Err: err}
}

// Signal delivers sig to the process group of h.
func (m *Manager) Signal(h *Handle, sig syscall.Signal) error {
	if h.Exited() {
		return ErrExited
	}
	if err := syscall.Kill(-h.PGID, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrExited
		}
		return fmt.Errorf("signal %s to %s: %w", sig, h.Name, err)
	}
	return nil
}

// Wait blocks until h has been reaped or ctx is done.
func (m *Manager) Wait(ctx context.Context, h *Handle) (ExitStatus, error) {
	select {
	case <-h.Done():
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Terminate sends SIGTERM to the process group, waits up to grace, then
// sends SIGKILL and waits for the reap.
func (m *Manager) Terminate(ctx context.Context, h *Handle, grace time.Duration) (ExitStatus, error) {
	if err := m.Signal(h, syscall.SIGTERM); err != nil && !errors.Is(err, ErrExited) {
		m.logger.Warn("SIGTERM failed", "name", h.Name, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.Done():
		return h.status, nil
	case <-ctx.Done():
	case <-timer.C:
	}

	m.logger.Warn("process ignored SIGTERM, killing", "name", h.Name, "pid", h.PID)
	if err := m.Signal(h, syscall.SIGKILL); err != nil && !errors.Is(err, ErrExited) {
		return ExitStatus{}, err
	}

	// SIGKILL cannot be ignored; the reap follows promptly.
	reapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return m.Wait(reapCtx, h)
}

// KillStale terminates a process group recorded in name's pid file by a
// previous runtime instance. It returns true when a live process was found.
func (m *Manager) KillStale(name string, grace time.Duration) (bool, error) {
	m.mu.Lock()
	_, tracked := m.processes[name]
	m.mu.Unlock()
	if tracked {
		return false, nil
	}

	pidFile := m.pidFile(name)
	pid, err := readPIDFile(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		os.Remove(pidFile)
		return false, nil
	}
	if !isProcessAlive(pid) {
		os.Remove(pidFile)
		return false, nil
	}

	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	m.logger.Warn("terminating stale process from previous run", "name", name, "pid", pid, "pgid", pgid)
	killGroup(pgid, pid, grace)
	os.Remove(pidFile)
	return true, nil
}

// Running returns the handle of name's live process.
func (m *Manager) Running(name string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.processes[name]
	if !ok || h.Exited() {
		return nil, false
	}
	return h, true
}

func (m *Manager) pidFile(name string) string {
	return filepath.Join(m.pidDir, name+".pid")
}

// killGroup terminates a process this manager did not start and therefore
// cannot reap; liveness is polled instead.
func killGroup(pgid, pid int, grace time.Duration) {
	target := -pgid
	if pgid == 0 {
		target = pid
	}

	_ = syscall.Kill(target, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = syscall.Kill(target, syscall.SIGKILL)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
