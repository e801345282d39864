package launch

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCommandLine(t *testing.T) {
	cfg := Config{
		Workdir:   "/work",
		CondaPath: "/opt/conda",
		CondaEnv:  "tomoscan",
		Python:    "python",
		Script:    "/scripts/xanes_energy.py",
	}
	want := "cd /work && source /opt/conda/etc/profile.d/conda.sh && conda activate tomoscan && python /scripts/xanes_energy.py"
	if got := cfg.command(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestCommandLineWithoutConda(t *testing.T) {
	cfg := Config{Workdir: "/work", Script: "run.py"}
	want := "cd /work && python run.py"
	if got := cfg.command(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestCommandLineBareScript(t *testing.T) {
	cfg := Config{Script: "run.py", Python: "python3"}
	want := "python3 run.py"
	if got := cfg.command(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestLocalHosts(t *testing.T) {
	for _, host := range []string{"", "localhost", "127.0.0.1"} {
		if !(Config{Host: host}).local() {
			t.Errorf("host %q should run locally", host)
		}
	}
	if (Config{Host: "gauss"}).local() {
		t.Error("a named host should run over SSH")
	}
}

// lineTrap collects runner output for inspection.
type lineTrap struct {
	sync.Mutex
	lines []string
}

func (l *lineTrap) add(s string) {
	l.Lock()
	defer l.Unlock()
	l.lines = append(l.lines, s)
}

func (l *lineTrap) contains(substr string) bool {
	l.Lock()
	defer l.Unlock()
	for _, s := range l.lines {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerLocalLifecycle(t *testing.T) {
	trap := &lineTrap{}
	r := NewRunner(Config{
		Python: "sh",
		Script: "-c 'echo launch-test-started; sleep 30'",
	})
	r.OnLine = trap.add
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, 5*time.Second, "script output", func() bool {
		return trap.contains("launch-test-started")
	})
	if !r.Running() {
		t.Fatal("expected Running while the script sleeps")
	}
	if err := r.Start(); !errors.Is(err, ErrScriptActive) {
		t.Fatalf("expected ErrScriptActive from a second start, got %v", err)
	}
	r.Stop()
	eventually(t, 5*time.Second, "script teardown", func() bool {
		return !r.Running()
	})
	if !trap.contains("script exited") {
		t.Error("terminated script should log its exit")
	}
}

func TestRunnerLocalRunsToCompletion(t *testing.T) {
	trap := &lineTrap{}
	r := NewRunner(Config{
		Python: "sh",
		Script: "-c 'echo launch-test-done'",
	})
	r.OnLine = trap.add
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, 5*time.Second, "script completion", func() bool {
		return !r.Running()
	})
	if !trap.contains("launch-test-done") {
		t.Error("script output did not reach the line hook")
	}
	if !trap.contains("script completed") {
		t.Error("clean exit should be logged as completed")
	}
	// the runner is reusable after an exit
	if err := r.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	eventually(t, 5*time.Second, "second completion", func() bool {
		return !r.Running()
	})
}

func TestRunnerStopWhenIdle(t *testing.T) {
	r := NewRunner(DefaultConfig())
	r.Stop() // nothing to kill; must not panic or block
	if r.Running() {
		t.Error("idle runner reports running")
	}
}

func TestRunnerRemoteBadKeyFailsFast(t *testing.T) {
	r := NewRunner(Config{
		Host:    "gauss",
		User:    "usertxm",
		KeyFile: "/nonexistent/key",
		Script:  "run.py",
	})
	if err := r.Start(); err == nil {
		t.Fatal("expected an error with an unreadable key, got nil")
	}
	if r.Running() {
		t.Error("failed start left the runner active")
	}
}
