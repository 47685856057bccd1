package background

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lmx-sh/lmxd/pkg/protocol"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []protocol.EventKind
}

func (r *eventRecorder) emit(sessionID string, kind protocol.EventKind, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
}

func (r *eventRecorder) kinds() []protocol.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.EventKind(nil), r.events...)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	m := NewManager(cfg, rec.emit, nil)
	t.Cleanup(m.Close)
	return m, rec
}

func waitState(t *testing.T, m *Manager, id string, want State) *protocol.BackgroundStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.State == string(want) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _ := m.Status(id)
	t.Fatalf("process never reached state %s, at %+v", want, st)
	return nil
}

func TestStart_CompletesAndBuffersOutput(t *testing.T) {
	m, rec := newTestManager(t, Config{})

	p, err := m.Start(StartRequest{SessionID: "sess-1", Command: "echo hello world"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := waitState(t, m, p.ID, StateCompleted)
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", st.ExitCode)
	}

	out, err := m.Output(p.ID, 0, 100, "stdout")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	var text strings.Builder
	for _, c := range out.Chunks {
		text.WriteString(c.Text)
	}
	if strings.TrimSpace(text.String()) != "hello world" {
		t.Errorf("unexpected output %q", text.String())
	}

	kinds := rec.kinds()
	if len(kinds) < 2 {
		t.Fatalf("expected status+output events, got %v", kinds)
	}
	if kinds[0] != protocol.EventBackgroundStatus {
		t.Errorf("first event should be status, got %v", kinds[0])
	}
}

func TestStart_ShellMetacharactersAreLiteral(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	marker := filepath.Join(t.TempDir(), "should-not-happen")
	if err := os.WriteFile(marker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	p, err := m.Start(StartRequest{
		SessionID: "sess-1",
		Command:   "echo a; rm -rf " + marker,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, m, p.ID, StateCompleted)

	if _, err := os.Stat(marker); err != nil {
		t.Fatal("marker file was deleted: command went through a shell")
	}

	out, err := m.Output(p.ID, 0, 100, "stdout")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	var text strings.Builder
	for _, c := range out.Chunks {
		text.WriteString(c.Text)
	}
	if !strings.HasPrefix(text.String(), "a; rm -rf ") {
		t.Errorf("expected literal echo of metacharacters, got %q", text.String())
	}
}

func TestStart_FailedExit(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	p, err := m.Start(StartRequest{SessionID: "sess-1", Command: "false"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := waitState(t, m, p.ID, StateFailed)
	if st.ExitCode == nil || *st.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %v", st.ExitCode)
	}
}

func TestStart_MaxConcurrent(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 1})

	p, err := m.Start(StartRequest{SessionID: "sess-1", Command: "sleep 5"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Kill(p.ID, "SIGKILL")

	_, err = m.Start(StartRequest{SessionID: "sess-1", Command: "echo hi"})
	if !errors.Is(err, ErrTooManyProcesses) {
		t.Fatalf("expected ErrTooManyProcesses, got %v", err)
	}
}

func TestStart_MaxConcurrentUnderContention(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 2})

	var wg sync.WaitGroup
	var started sync.Map
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := m.Start(StartRequest{SessionID: "sess-1", Command: "sleep 5"})
			if err == nil {
				started.Store(p.ID, struct{}{})
			} else if !errors.Is(err, ErrTooManyProcesses) {
				t.Errorf("Start: %v", err)
			}
		}()
	}
	wg.Wait()

	var ok int
	started.Range(func(id, _ any) bool {
		ok++
		defer m.Kill(id.(string), "SIGKILL")
		return true
	})
	if ok != 2 {
		t.Errorf("expected exactly 2 admitted starts, got %d", ok)
	}
	if n := m.RunningCount(); n > 2 {
		t.Errorf("running count %d exceeds limit 2", n)
	}
}

func TestStart_SpawnFailureReleasesSlot(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 1})

	if _, err := m.Start(StartRequest{SessionID: "sess-1", Command: "definitely-not-a-binary-xyz"}); err == nil {
		t.Fatal("expected spawn failure")
	}

	// The failed spawn must not pin the only slot.
	p, err := m.Start(StartRequest{SessionID: "sess-1", Command: "echo hi"})
	if err != nil {
		t.Fatalf("Start after failed spawn: %v", err)
	}
	waitState(t, m, p.ID, StateCompleted)
}

func TestKill_Term(t *testing.T) {
	m, _ := newTestManager(t, Config{KillGrace: time.Second})

	p, err := m.Start(StartRequest{SessionID: "sess-1", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Kill(p.ID, "SIGTERM"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitState(t, m, p.ID, StateKilled)
}

func TestKill_UnknownSignal(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	p, err := m.Start(StartRequest{SessionID: "sess-1", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Kill(p.ID, "SIGKILL")

	if err := m.Kill(p.ID, "SIGWEIRD"); err == nil {
		t.Fatal("expected unsupported signal error")
	}
}

func TestKill_NotFound(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	if err := m.Kill("proc_nope", "SIGTERM"); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("expected ErrProcessNotFound, got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	m, _ := newTestManager(t, Config{KillGrace: time.Second})

	p, err := m.Start(StartRequest{
		SessionID: "sess-1",
		Command:   "sleep 30",
		Timeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, m, p.ID, StateTimeout)
}

func TestOutput_RingEviction(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxBufferSize: 2048})

	// Emit well over the 2 KiB budget.
	p, err := m.Start(StartRequest{
		SessionID: "sess-1",
		Command:   "seq 1 2000",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, m, p.ID, StateCompleted)

	if got := m.BufferedBytes(p.ID); got > 2048 {
		t.Errorf("ring exceeded budget: %d bytes", got)
	}

	out, err := m.Output(p.ID, 0, 10000, "both")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if len(out.Chunks) == 0 {
		t.Fatal("expected surviving tail chunks")
	}
	// Only the tail survives: the very first lines must be gone.
	var text strings.Builder
	for _, c := range out.Chunks {
		text.WriteString(c.Text)
	}
	if strings.HasPrefix(text.String(), "1\n2\n") {
		t.Error("expected oldest chunks evicted")
	}
	// Chunk seqs stay monotonic.
	for i := 1; i < len(out.Chunks); i++ {
		if out.Chunks[i].Seq <= out.Chunks[i-1].Seq {
			t.Fatal("chunk seq not strictly increasing")
		}
	}
}

func TestOutput_AfterSeqAndLimit(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	p, err := m.Start(StartRequest{SessionID: "sess-1", Command: "echo chunky"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, m, p.ID, StateCompleted)

	all, err := m.Output(p.ID, 0, 100, "both")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if len(all.Chunks) == 0 {
		t.Fatal("expected output")
	}
	last := all.Chunks[len(all.Chunks)-1].Seq

	after, err := m.Output(p.ID, last, 100, "both")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if len(after.Chunks) != 0 || after.HasMore {
		t.Errorf("expected empty slice past the end, got %+v", after)
	}
}

func TestKillSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	p1, err := m.Start(StartRequest{SessionID: "sess-1", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p2, err := m.Start(StartRequest{SessionID: "sess-2", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Kill(p2.ID, "SIGKILL")

	if n := m.KillSession("sess-1"); n != 1 {
		t.Fatalf("expected 1 killed, got %d", n)
	}
	waitState(t, m, p1.ID, StateKilled)

	st, err := m.Status(p2.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != string(StateRunning) {
		t.Errorf("sess-2 process should still run, got %s", st.State)
	}
}
