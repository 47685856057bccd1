package daemon

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	token, err := MintToken()
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	st := &State{
		PID:       12345,
		DaemonID:  "d-1",
		Host:      "127.0.0.1",
		Port:      9999,
		Token:     token,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		LogsPath:  filepath.Join(dir, "daemon.log"),
	}
	if err := WriteState(dir, st); err != nil {
		t.Fatalf("WriteState: %v", err)
	}

	got, err := ReadState(dir)
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if got == nil || *got != *st {
		t.Fatalf("state mismatch: got %+v want %+v", got, st)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "token"))
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if string(raw) != token {
		t.Error("token file does not match state token")
	}
}

func TestWriteState_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	dir := t.TempDir()
	st := &State{PID: 1, DaemonID: "d", Host: "127.0.0.1", Port: 1, Token: "tok", StartedAt: time.Now()}
	if err := WriteState(dir, st); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	for _, name := range []string{"state.json", "token", "daemon.pid"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s has mode %o, want 600", name, perm)
		}
	}
}

func TestReadState_Missing(t *testing.T) {
	st, err := ReadState(t.TempDir())
	if err != nil || st != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", st, err)
	}
}

func TestClearState_Idempotent(t *testing.T) {
	dir := t.TempDir()
	st := &State{PID: 1, DaemonID: "d", Host: "127.0.0.1", Port: 1, Token: "t", StartedAt: time.Now()}
	if err := WriteState(dir, st); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	if err := ClearState(dir); err != nil {
		t.Fatalf("ClearState: %v", err)
	}
	if err := ClearState(dir); err != nil {
		t.Fatalf("second ClearState: %v", err)
	}
	if got, _ := ReadState(dir); got != nil {
		t.Fatal("state survived ClearState")
	}
}

func TestMintToken_Entropy(t *testing.T) {
	a, err := MintToken()
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	b, err := MintToken()
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("token length %d, want 64 hex chars (256 bits)", len(a))
	}
	if a == b {
		t.Error("two minted tokens are identical")
	}
}

func TestPidAlive(t *testing.T) {
	if !pidAlive(os.Getpid()) {
		t.Error("our own PID reported dead")
	}
	if pidAlive(0) || pidAlive(-1) {
		t.Error("non-positive PID reported alive")
	}
}

func TestStop_NotRunning(t *testing.T) {
	dir := t.TempDir()
	if err := Stop(dir, nil); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	// Stale state (dead PID) is cleared and still reports not running.
	st := &State{PID: 1 << 30, DaemonID: "d", Host: "127.0.0.1", Port: 1, Token: "t", StartedAt: time.Now()}
	if err := WriteState(dir, st); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	if err := Stop(dir, nil); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning for dead PID, got %v", err)
	}
	if got, _ := ReadState(dir); got != nil {
		t.Error("stale state not cleared")
	}
}

func TestHealthOK_RejectsSquatter(t *testing.T) {
	// Nothing listens on the port: health must fail, marking the state
	// stale.
	st := &State{PID: os.Getpid(), DaemonID: "d", Host: "127.0.0.1", Port: 1, Token: "t"}
	if healthOK(context.Background(), st) {
		t.Error("health check passed against a closed port")
	}
}

func TestBuildLaunchAgentPlist_EscapesAndQuotes(t *testing.T) {
	plist := BuildLaunchAgentPlist(UnitOptions{
		ProgramArguments: []string{"/Apps/My Tools/lmxd", "serve", "--label", `a<b>&"c'`},
		WorkingDirectory: "/home/u",
		StdoutPath:       "/home/u/.lmxd/daemon.log",
		Environment:      map[string]string{"LMXD_ENV": "prod"},
	})
	if !strings.Contains(plist, "<string>sh.lmx.lmxd</string>") {
		t.Error("missing label")
	}
	if !strings.Contains(plist, "<string>/Apps/My Tools/lmxd</string>") {
		t.Error("binary path with spaces must stay a single argument")
	}
	if !strings.Contains(plist, "a&lt;b&gt;&amp;&quot;c&apos;") {
		t.Error("XML metacharacters not escaped")
	}
	if strings.Contains(plist, `a<b>`) {
		t.Error("raw XML metacharacters leaked into plist")
	}
}

func TestBuildSystemdUnit_QuotesSpaces(t *testing.T) {
	unit := BuildSystemdUnit(UnitOptions{
		ProgramArguments: []string{"/opt/my tools/lmxd", "serve"},
		Environment:      map[string]string{"A": "x y"},
	})
	if !strings.Contains(unit, `ExecStart="/opt/my tools/lmxd" serve`) {
		t.Errorf("ExecStart quoting wrong:\n%s", unit)
	}
	if !strings.Contains(unit, `Environment="A=x y"`) {
		t.Errorf("Environment quoting wrong:\n%s", unit)
	}
	if !strings.Contains(unit, "WantedBy=default.target") {
		t.Error("missing user-scope install target")
	}
}

func TestBuildTaskScript_QuotesSpaces(t *testing.T) {
	script := BuildTaskScript(UnitOptions{
		ProgramArguments: []string{`C:\Program Files\lmxd\lmxd.exe`, "serve"},
		WorkingDirectory: `C:\Users\u`,
	})
	if !strings.Contains(script, `"C:\Program Files\lmxd\lmxd.exe" serve`) {
		t.Errorf("binary path not quoted:\n%s", script)
	}
	if !strings.HasPrefix(script, "@echo off") {
		t.Error("missing cmd prologue")
	}
}
