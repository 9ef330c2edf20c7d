package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "COVEN_PROCESS_HELPER"

// TestMain lets the test binary double as the managed child process.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "sleep":
		signal.Ignore(syscall.SIGHUP)
		time.Sleep(time.Minute)
		os.Exit(0)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ready")
		time.Sleep(time.Minute)
		os.Exit(0)
	case "exit3":
		fmt.Println("exiting with 3")
		os.Exit(3)
	case "env":
		fmt.Println("PORT=" + os.Getenv("PORT"))
		os.Exit(0)
	}
}

func helperSpec(name, mode string, extraEnv ...string) Spec {
	return Spec{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     append([]string{helperEnv + "=" + mode}, extraEnv...),
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "pids"), filepath.Join(dir, "logs"), nil)
}

func TestSpawn_WritesPIDFileAndReaps(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Spawn(t.Context(), helperSpec("exit3", "exit3"))
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	status, err := m.Wait(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Code)
	assert.False(t, status.Success())

	_, statErr := os.Stat(h.PIDFile)
	assert.True(t, os.IsNotExist(statErr), "pid file removed after reap")

	logData, err := os.ReadFile(h.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "exiting with 3")

	_, ok := m.Running("exit3")
	assert.False(t, ok)
}

func TestSpawn_PassesEnvironment(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Spawn(t.Context(), helperSpec("env", "env", "PORT=9123"))
	require.NoError(t, err)
	assert.True(t, h.Exit().Success())

	logData, err := os.ReadFile(h.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "PORT=9123")
}

func TestSpawn_MissingBinary(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Spawn(t.Context(), Spec{Name: "ghost", Command: "/nonexistent/agent-binary"})
	assert.Error(t, err)
}

func TestSpawn_RejectsDuplicateName(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Spawn(t.Context(), helperSpec("dup", "sleep"))
	require.NoError(t, err)
	defer m.Terminate(context.Background(), h, time.Second) //nolint:errcheck

	_, err = m.Spawn(t.Context(), helperSpec("dup", "sleep"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestTerminate_GracefulSIGTERM(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Spawn(t.Context(), helperSpec("sleeper", "sleep"))
	require.NoError(t, err)

	running, ok := m.Running("sleeper")
	require.True(t, ok)
	assert.Equal(t, h.PID, running.PID)

	status, err := m.Terminate(t.Context(), h, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "terminated", status.Signal)
	assert.True(t, h.Exited())
}

func TestTerminate_EscalatesToSIGKILL(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Spawn(t.Context(), helperSpec("stubborn", "ignore-term"))
	require.NoError(t, err)

	// Give the child time to install its SIGTERM handler.
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(h.LogFile)
		return len(data) > 0
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	status, err := m.Terminate(t.Context(), h, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "killed", status.Signal)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestSignal_AfterExit(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Spawn(t.Context(), helperSpec("quick", "exit3"))
	require.NoError(t, err)
	<-h.Done()

	assert.ErrorIs(t, m.Signal(h, syscall.SIGTERM), ErrExited)
}

func TestKillStale_TerminatesRecordedProcess(t *testing.T) {
	m := newTestManager(t)

	// A process started outside this manager, as a previous runtime would have.
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), helperEnv+"=sleep")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() {
		cmd.Wait() //nolint:errcheck
		close(waited)
	}()

	require.NoError(t, os.MkdirAll(m.pidDir, 0o755))
	require.NoError(t, os.WriteFile(m.pidFile("orphan"), []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))

	killed, err := m.KillStale("orphan", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, killed)

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("stale process still running")
	}
	_, statErr := os.Stat(m.pidFile("orphan"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestKillStale_NoPIDFile(t *testing.T) {
	m := newTestManager(t)
	killed, err := m.KillStale("nothing", time.Second)
	require.NoError(t, err)
	assert.False(t, killed)
}

func TestKillStale_DeadPIDRemovesFile(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.pidDir, 0o755))
	require.NoError(t, os.WriteFile(m.pidFile("gone"), []byte("999999999"), 0o644))

	killed, err := m.KillStale("gone", time.Second)
	require.NoError(t, err)
	assert.False(t, killed)
	_, statErr := os.Stat(m.pidFile("gone"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExitStatusString(t *testing.T) {
	assert.Equal(t, "exit code 0", ExitStatus{}.String())
	assert.Equal(t, "killed by killed", ExitStatus{Signal: "killed"}.String())
	assert.True(t, ExitStatus{}.Success())
}
