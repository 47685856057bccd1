// Package background launches and supervises detached child processes
// on behalf of sessions, with bounded output buffering and signal-based
// termination.
package background

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// State is the lifecycle state of a background process.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateKilled    State = "killed"
	StateTimeout   State = "timeout"
)

func (s State) terminal() bool { return s != StateRunning }

// Manager errors.
var (
	ErrTooManyProcesses = errors.New("too many running background processes")
	ErrProcessNotFound  = errors.New("background process not found")
	ErrManagerClosed    = errors.New("background manager closed")
)

// Emitter publishes process events through the owning session. The
// session manager wires this to its emit path.
type Emitter func(sessionID string, kind protocol.EventKind, payload any)

// Config bounds the manager.
type Config struct {
	MaxConcurrent int
	MaxBufferSize int
	KillGrace     time.Duration
	PruneAfter    time.Duration
}

type chunk struct {
	seq    int64
	stream string
	text   string
	ts     time.Time
}

// Process is one supervised child process and its output ring.
type Process struct {
	ID        string
	SessionID string
	PID       int
	Command   string
	Label     string
	CWD       string
	State     State
	ExitCode  *int
	StartedAt time.Time
	EndedAt   time.Time
	Timeout   time.Duration

	cmd          *exec.Cmd
	chunks       []chunk
	bufferedLen  int
	nextChunkSeq int64
	killTimer    *time.Timer
	timeoutTimer *time.Timer
	timedOut     bool
	killedByUs   bool
	waitDone     chan struct{}
}

// StartRequest describes a process to launch.
type StartRequest struct {
	SessionID string
	Command   string
	Label     string
	CWD       string
	Timeout   time.Duration
}

// Manager supervises all background processes for the daemon.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	emit   Emitter

	mu     sync.Mutex
	procs  map[string]*Process
	closed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates a Manager and starts its prune sweeper.
func NewManager(cfg Config, emit Emitter, logger *slog.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 1 << 20
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.PruneAfter <= 0 {
		cfg.PruneAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(string, protocol.EventKind, any) {}
	}
	m := &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "background"),
		emit:      emit,
		procs:     make(map[string]*Process),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Start tokenizes the command (no shell), spawns the child with stdin
// ignored and stdout/stderr piped, and begins streaming output into the
// process ring.
func (m *Manager) Start(req StartRequest) (*Process, error) {
	argv, err := Tokenize(req.Command)
	if err != nil {
		return nil, err
	}

	// Admission and slot reservation happen under one lock: the process
	// entry is inserted before the spawn so concurrent Starts cannot both
	// pass the count check and exceed MaxConcurrent.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	running := 0
	for _, p := range m.procs {
		if p.State == StateRunning {
			running++
		}
	}
	if running >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d running, limit %d", ErrTooManyProcesses, running, m.cfg.MaxConcurrent)
	}
	p := &Process{
		ID:        "proc_" + uuid.NewString(),
		SessionID: req.SessionID,
		Command:   req.Command,
		Label:     req.Label,
		CWD:       req.CWD,
		State:     StateRunning,
		StartedAt: time.Now(),
		Timeout:   req.Timeout,
		waitDone:  make(chan struct{}),
	}
	m.procs[p.ID] = p
	m.mu.Unlock()

	release := func(err error) (*Process, error) {
		m.mu.Lock()
		delete(m.procs, p.ID)
		m.mu.Unlock()
		close(p.waitDone)
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	if req.CWD != "" {
		cmd.Dir = req.CWD
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return release(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return release(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return release(fmt.Errorf("spawn: %w", err))
	}

	m.mu.Lock()
	p.PID = cmd.Process.Pid
	p.cmd = cmd
	if p.Timeout > 0 {
		p.timeoutTimer = time.AfterFunc(p.Timeout, func() { m.onTimeout(p.ID) })
	}
	m.mu.Unlock()

	m.logger.Info("background process started",
		"processId", p.ID,
		"sessionId", p.SessionID,
		"pid", p.PID,
		"command", req.Command)
	m.emit(p.SessionID, protocol.EventBackgroundStatus, protocol.BackgroundStatusPayload{
		ProcessID: p.ID,
		State:     string(StateRunning),
		PID:       p.PID,
	})

	go m.readStream(p, "stdout", stdout)
	go m.readStream(p, "stderr", stderr)
	go m.wait(p)

	return p, nil
}

// readStream copies one output stream into the ring chunk by chunk.
func (m *Manager) readStream(p *Process, stream string, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.appendChunk(p, stream, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// appendChunk adds one chunk and evicts from the head while the ring
// exceeds the byte budget.
func (m *Manager) appendChunk(p *Process, stream, text string) {
	m.mu.Lock()
	p.nextChunkSeq++
	c := chunk{seq: p.nextChunkSeq, stream: stream, text: text, ts: time.Now()}
	p.chunks = append(p.chunks, c)
	p.bufferedLen += len(text)
	for p.bufferedLen > m.cfg.MaxBufferSize && len(p.chunks) > 0 {
		p.bufferedLen -= len(p.chunks[0].text)
		p.chunks = p.chunks[1:]
	}
	sessionID := p.SessionID
	m.mu.Unlock()

	m.emit(sessionID, protocol.EventBackgroundOutput, protocol.BackgroundOutputPayload{
		ProcessID: p.ID,
		Seq:       c.seq,
		Stream:    stream,
		Text:      text,
		TS:        c.ts.UTC().Format(time.RFC3339Nano),
	})
}

// wait reaps the child and records its terminal state.
func (m *Manager) wait(p *Process) {
	err := p.cmd.Wait()
	close(p.waitDone)

	m.mu.Lock()
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	if p.timeoutTimer != nil {
		p.timeoutTimer.Stop()
	}

	var exitCode *int
	if err == nil {
		code := 0
		exitCode = &code
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			exitCode = &code
		}
	}

	switch {
	case p.timedOut:
		p.State = StateTimeout
	case p.killedByUs:
		p.State = StateKilled
	case exitCode != nil && *exitCode == 0:
		p.State = StateCompleted
	default:
		p.State = StateFailed
	}
	p.ExitCode = exitCode
	p.EndedAt = time.Now()
	state := p.State
	sessionID := p.SessionID
	m.mu.Unlock()

	m.logger.Info("background process ended",
		"processId", p.ID,
		"state", string(state),
		"exitCode", exitCode)
	m.emit(sessionID, protocol.EventBackgroundStatus, protocol.BackgroundStatusPayload{
		ProcessID: p.ID,
		State:     string(state),
		PID:       p.PID,
		ExitCode:  exitCode,
	})
}

// Kill sends a signal to the process (default SIGTERM). Any signal
// other than SIGKILL schedules an escalation to SIGKILL after the
// configured grace period.
func (m *Manager) Kill(processID, signal string) error {
	m.mu.Lock()
	p, ok := m.procs[processID]
	if !ok {
		m.mu.Unlock()
		return ErrProcessNotFound
	}
	if p.State.terminal() {
		m.mu.Unlock()
		return nil
	}
	sig, err := parseSignal(signal)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	p.killedByUs = true
	if sig != syscall.SIGKILL && p.killTimer == nil {
		p.killTimer = time.AfterFunc(m.cfg.KillGrace, func() { m.escalate(processID) })
	}
	m.mu.Unlock()

	return m.signal(p, sig)
}

// escalate fires when a process survived the grace period after a
// non-KILL signal.
func (m *Manager) escalate(processID string) {
	m.mu.Lock()
	p, ok := m.procs[processID]
	if !ok || p.State.terminal() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warn("escalating to SIGKILL", "processId", processID)
	_ = m.signal(p, syscall.SIGKILL)
}

// onTimeout marks the process timed out, then terminates it with the
// usual SIGTERM then SIGKILL ladder.
func (m *Manager) onTimeout(processID string) {
	m.mu.Lock()
	p, ok := m.procs[processID]
	if !ok || p.State.terminal() {
		m.mu.Unlock()
		return
	}
	p.timedOut = true
	if p.killTimer == nil {
		p.killTimer = time.AfterFunc(m.cfg.KillGrace, func() { m.escalate(processID) })
	}
	m.mu.Unlock()

	m.logger.Warn("background process timed out", "processId", processID)
	_ = m.signal(p, syscall.SIGTERM)
}

func (m *Manager) signal(p *Process, sig syscall.Signal) error {
	if p.cmd == nil || p.cmd.Process == nil {
		// Still inside Start's reservation window, nothing to signal.
		return nil
	}
	if sig == syscall.SIGKILL {
		return p.cmd.Process.Kill()
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func parseSignal(name string) (syscall.Signal, error) {
	switch name {
	case "", "SIGTERM":
		return syscall.SIGTERM, nil
	case "SIGKILL":
		return syscall.SIGKILL, nil
	case "SIGINT":
		return syscall.SIGINT, nil
	case "SIGHUP":
		return syscall.SIGHUP, nil
	default:
		return 0, fmt.Errorf("unsupported signal %q", name)
	}
}

// Output returns the buffered chunks with seq > afterSeq for the given
// stream ("stdout", "stderr", or "both"), up to limit, plus a hasMore
// flag.
func (m *Manager) Output(processID string, afterSeq int64, limit int, stream string) (*protocol.OutputSlice, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.procs[processID]
	if !ok {
		return nil, ErrProcessNotFound
	}

	slice := &protocol.OutputSlice{ProcessID: processID, Chunks: []protocol.OutputChunk{}}
	for _, c := range p.chunks {
		if c.seq <= afterSeq {
			continue
		}
		if stream != "both" && stream != "" && c.stream != stream {
			continue
		}
		if len(slice.Chunks) >= limit {
			slice.HasMore = true
			break
		}
		slice.Chunks = append(slice.Chunks, protocol.OutputChunk{
			Seq:    c.seq,
			Stream: c.stream,
			Text:   c.text,
			TS:     c.ts,
		})
	}
	return slice, nil
}

// Status returns the externally visible state of one process.
func (m *Manager) Status(processID string) (*protocol.BackgroundStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[processID]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return statusLocked(p), nil
}

// List returns every known process, running first, newest first within
// each group.
func (m *Manager) List() []*protocol.BackgroundStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*protocol.BackgroundStatus, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, statusLocked(p))
	}
	sort.Slice(out, func(i, j int) bool {
		iRunning := out[i].State == string(StateRunning)
		jRunning := out[j].State == string(StateRunning)
		if iRunning != jRunning {
			return iRunning
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func statusLocked(p *Process) *protocol.BackgroundStatus {
	st := &protocol.BackgroundStatus{
		ProcessID: p.ID,
		SessionID: p.SessionID,
		PID:       p.PID,
		Command:   p.Command,
		Label:     p.Label,
		CWD:       p.CWD,
		State:     string(p.State),
		ExitCode:  p.ExitCode,
		StartedAt: p.StartedAt,
	}
	if !p.EndedAt.IsZero() {
		ended := p.EndedAt
		st.EndedAt = &ended
	}
	return st
}

// RunningCount returns the number of processes in the running state.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.procs {
		if p.State == StateRunning {
			n++
		}
	}
	return n
}

// KillSession terminates every running process owned by a session.
func (m *Manager) KillSession(sessionID string) int {
	m.mu.Lock()
	var ids []string
	for id, p := range m.procs {
		if p.SessionID == sessionID && p.State == StateRunning {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Kill(id, "SIGTERM")
	}
	return len(ids)
}

// Close terminates every running process and stops the sweeper. Each
// child gets SIGTERM and, after the grace period, SIGKILL.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var running []*Process
	for _, p := range m.procs {
		if p.State == StateRunning {
			running = append(running, p)
		}
	}
	m.mu.Unlock()

	for _, p := range running {
		_ = m.signal(p, syscall.SIGTERM)
	}
	for _, p := range running {
		select {
		case <-p.waitDone:
		case <-time.After(m.cfg.KillGrace):
			_ = m.signal(p, syscall.SIGKILL)
			<-p.waitDone
		}
	}

	close(m.sweepStop)
	<-m.sweepDone
}

// sweepLoop prunes terminal processes PruneAfter past their end time.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.prune()
		}
	}
}

func (m *Manager) prune() {
	cutoff := time.Now().Add(-m.cfg.PruneAfter)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.procs {
		if p.State.terminal() && !p.EndedAt.IsZero() && p.EndedAt.Before(cutoff) {
			delete(m.procs, id)
			m.logger.Debug("pruned background process", "processId", id)
		}
	}
}

// BufferedBytes returns the current ring size of one process. Exposed
// for tests and the metrics snapshot.
func (m *Manager) BufferedBytes(processID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[processID]; ok {
		return p.bufferedLen
	}
	return 0
}
