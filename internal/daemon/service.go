package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Platform service identities.
const (
	LaunchdLabel       = "sh.lmx.lmxd"
	SystemdServiceName = "lmxd"
	WindowsTaskName    = "lmxd"
)

// UnitOptions describes the service unit to generate: the daemon
// binary invocation plus its environment.
type UnitOptions struct {
	ProgramArguments []string
	WorkingDirectory string
	Environment      map[string]string
	Description      string
	StdoutPath       string
	StderrPath       string
}

// ErrUnsupportedPlatform is returned for service operations on
// platforms without a known service manager.
var ErrUnsupportedPlatform = fmt.Errorf("no service manager for %s", runtime.GOOS)

// BuildLaunchAgentPlist renders a macOS LaunchAgent plist. Every
// user-supplied string is XML-escaped; paths with spaces survive as
// individual ProgramArguments entries.
func BuildLaunchAgentPlist(opts UnitOptions) string {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
  <dict>
    <key>Label</key>
    <string>` + xmlEscape(LaunchdLabel) + `</string>
    <key>ProgramArguments</key>
    <array>
`)
	for _, arg := range opts.ProgramArguments {
		buf.WriteString("      <string>" + xmlEscape(arg) + "</string>\n")
	}
	buf.WriteString("    </array>\n")
	if opts.WorkingDirectory != "" {
		buf.WriteString("    <key>WorkingDirectory</key>\n")
		buf.WriteString("    <string>" + xmlEscape(opts.WorkingDirectory) + "</string>\n")
	}
	if len(opts.Environment) > 0 {
		buf.WriteString("    <key>EnvironmentVariables</key>\n    <dict>\n")
		for _, k := range sortedKeys(opts.Environment) {
			buf.WriteString("      <key>" + xmlEscape(k) + "</key>\n")
			buf.WriteString("      <string>" + xmlEscape(opts.Environment[k]) + "</string>\n")
		}
		buf.WriteString("    </dict>\n")
	}
	if opts.StdoutPath != "" {
		buf.WriteString("    <key>StandardOutPath</key>\n")
		buf.WriteString("    <string>" + xmlEscape(opts.StdoutPath) + "</string>\n")
	}
	if opts.StderrPath != "" {
		buf.WriteString("    <key>StandardErrorPath</key>\n")
		buf.WriteString("    <string>" + xmlEscape(opts.StderrPath) + "</string>\n")
	}
	buf.WriteString(`    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
      <key>SuccessfulExit</key>
      <false/>
    </dict>
  </dict>
</plist>
`)
	return buf.String()
}

// BuildSystemdUnit renders a systemd user service unit.
func BuildSystemdUnit(opts UnitOptions) string {
	description := opts.Description
	if description == "" {
		description = "lmxd local agent session daemon"
	}
	lines := []string{
		"[Unit]",
		"Description=" + description,
		"After=network.target",
		"",
		"[Service]",
		"ExecStart=" + systemdQuoteArgs(opts.ProgramArguments),
		"Restart=on-failure",
		"RestartSec=5",
		"KillMode=process",
	}
	if opts.WorkingDirectory != "" {
		lines = append(lines, "WorkingDirectory="+systemdEscapeArg(opts.WorkingDirectory))
	}
	for _, k := range sortedKeys(opts.Environment) {
		if v := opts.Environment[k]; v != "" {
			lines = append(lines, "Environment="+systemdEscapeArg(k+"="+v))
		}
	}
	lines = append(lines,
		"",
		"[Install]",
		"WantedBy=default.target",
		"")
	return strings.Join(lines, "\n")
}

// BuildTaskScript renders the .cmd launcher a Windows scheduled task
// invokes.
func BuildTaskScript(opts UnitOptions) string {
	lines := []string{"@echo off"}
	if opts.Description != "" {
		lines = append(lines, "rem "+opts.Description)
	}
	if opts.WorkingDirectory != "" {
		lines = append(lines, "cd /d "+cmdQuoteArg(opts.WorkingDirectory))
	}
	for _, k := range sortedKeys(opts.Environment) {
		if v := opts.Environment[k]; v != "" {
			lines = append(lines, "set "+k+"="+v)
		}
	}
	parts := make([]string, 0, len(opts.ProgramArguments))
	for _, arg := range opts.ProgramArguments {
		parts = append(parts, cmdQuoteArg(arg))
	}
	lines = append(lines, strings.Join(parts, " "), "")
	return strings.Join(lines, "\r\n")
}

// InstallService writes the platform unit for the current OS and
// registers it with the platform service manager, user-scoped.
func InstallService(opts UnitOptions) (string, error) {
	switch runtime.GOOS {
	case "darwin":
		return installLaunchAgent(opts)
	case "linux":
		return installSystemdUnit(opts)
	case "windows":
		return installScheduledTask(opts)
	default:
		return "", ErrUnsupportedPlatform
	}
}

// UninstallService removes the platform unit installed by
// InstallService.
func UninstallService() error {
	switch runtime.GOOS {
	case "darwin":
		path := launchAgentPath()
		_, _ = runTool("launchctl", "unload", path)
		return removeIfExists(path)
	case "linux":
		_, _ = runTool("systemctl", "--user", "disable", "--now", SystemdServiceName+".service")
		if err := removeIfExists(systemdUnitPath()); err != nil {
			return err
		}
		_, _ = runTool("systemctl", "--user", "daemon-reload")
		return nil
	case "windows":
		_, _ = runTool("schtasks", "/Delete", "/TN", WindowsTaskName, "/F")
		return nil
	default:
		return ErrUnsupportedPlatform
	}
}

func installLaunchAgent(opts UnitOptions) (string, error) {
	path := launchAgentPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(BuildLaunchAgentPlist(opts)), 0o644); err != nil {
		return "", fmt.Errorf("write plist: %w", err)
	}
	if out, err := runTool("launchctl", "load", "-w", path); err != nil {
		return "", fmt.Errorf("launchctl load: %s: %w", out, err)
	}
	return path, nil
}

func installSystemdUnit(opts UnitOptions) (string, error) {
	path := systemdUnitPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create systemd user dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(BuildSystemdUnit(opts)), 0o644); err != nil {
		return "", fmt.Errorf("write unit: %w", err)
	}
	if out, err := runTool("systemctl", "--user", "daemon-reload"); err != nil {
		return "", fmt.Errorf("daemon-reload: %s: %w", out, err)
	}
	if out, err := runTool("systemctl", "--user", "enable", "--now", SystemdServiceName+".service"); err != nil {
		return "", fmt.Errorf("enable unit: %s: %w", out, err)
	}
	return path, nil
}

func installScheduledTask(opts UnitOptions) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(home, ".lmxd", "lmxd-task.cmd")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(BuildTaskScript(opts)), 0o700); err != nil {
		return "", fmt.Errorf("write task script: %w", err)
	}
	if out, err := runTool("schtasks", "/Create", "/F",
		"/TN", WindowsTaskName,
		"/SC", "ONLOGON",
		"/TR", cmdQuoteArg(path)); err != nil {
		return "", fmt.Errorf("schtasks create: %s: %w", out, err)
	}
	return path, nil
}

func launchAgentPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", LaunchdLabel+".plist")
}

func systemdUnitPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", SystemdServiceName+".service")
}

func runTool(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return strings.TrimSpace(buf.String()), err
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}

func systemdEscapeArg(value string) string {
	if !strings.ContainsAny(value, " \t\"\\") {
		return value
	}
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func systemdQuoteArgs(args []string) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, systemdEscapeArg(arg))
	}
	return strings.Join(parts, " ")
}

func cmdQuoteArg(value string) string {
	if !strings.ContainsAny(value, " \t\"") {
		return value
	}
	escaped := strings.ReplaceAll(value, `"`, `\"`)
	return `"` + escaped + `"`
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
