// Package logger configures structured logging and records crash logs for
// rulegate.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	// CrashLogDir is the crash log directory inside the state directory.
	CrashLogDir = "crash_logs"

	// MaxCrashLogs is the number of crash logs kept.
	MaxCrashLogs = 10
)

// CrashContext is what a crash log knows about the failing invocation.
type CrashContext struct {
	mu         sync.RWMutex
	command    string
	version    string
	stateDir   string
	sessionID  string
	lastAction string
}

var (
	globalContext = &CrashContext{}
	crashFs       = afero.NewOsFs()
)

// SetStateDir sets the .rulegate directory crash logs are written under.
func SetStateDir(path string) {
	globalContext.mu.Lock()
	defer globalContext.mu.Unlock()
	globalContext.stateDir = path
}

// SetVersion sets the binary version.
func SetVersion(version string) {
	globalContext.mu.Lock()
	defer globalContext.mu.Unlock()
	globalContext.version = version
}

// SetCommand sets the command line being executed.
func SetCommand(cmd string) {
	globalContext.mu.Lock()
	defer globalContext.mu.Unlock()
	globalContext.command = cmd
}

// SetLastAction records the agent action under evaluation.
func SetLastAction(sessionID, tool, target string) {
	globalContext.mu.Lock()
	defer globalContext.mu.Unlock()
	globalContext.sessionID = sessionID
	globalContext.lastAction = truncateForLog(strings.TrimSpace(tool+" "+target), 500)
}

func truncateForLog(value string, maxLen int) string {
	if len(value) <= maxLen {
		return value
	}
	return value[:maxLen] + "... [truncated]"
}

// CrashLog is one recorded panic.
type CrashLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Command    string    `json:"command"`
	PanicValue string    `json:"panic_value"`
	StackTrace string    `json:"stack_trace"`
	SessionID  string    `json:"session_id,omitempty"`
	LastAction string    `json:"last_action,omitempty"`
	GoVersion  string    `json:"go_version"`
	OS         string    `json:"os"`
	Arch       string    `json:"arch"`
}

// HandlePanic recovers a panic, writes a crash log and exits with status 1.
// Usage: defer logger.HandlePanic()
func HandlePanic() {
	if r := recover(); r != nil {
		log := createCrashLog(r)
		if err := writeCrashLog(log); err != nil {
			fmt.Fprintf(os.Stderr, "\n[CRASH] Failed to write crash log: %v\n", err)
			fmt.Fprintf(os.Stderr, "[CRASH] Panic: %v\n%s\n", r, debug.Stack())
		}

		fmt.Fprintf(os.Stderr, "\nrulegate crashed: %v\n", r)
		fmt.Fprintf(os.Stderr, "A crash log has been saved to:\n  %s\n\n", getCrashLogPath(log.Timestamp))
		os.Exit(1)
	}
}

func createCrashLog(panicValue any) CrashLog {
	globalContext.mu.RLock()
	defer globalContext.mu.RUnlock()

	return CrashLog{
		Timestamp:  time.Now(),
		Version:    globalContext.version,
		Command:    globalContext.command,
		PanicValue: fmt.Sprintf("%v", panicValue),
		StackTrace: string(debug.Stack()),
		SessionID:  globalContext.sessionID,
		LastAction: globalContext.lastAction,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}
}

func writeCrashLog(log CrashLog) error {
	dir := getCrashLogDir()
	if err := crashFs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create crash log dir: %w", err)
	}
	if err := cleanOldCrashLogs(dir); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to clean old crash logs: %v\n", err)
	}
	if err := afero.WriteFile(crashFs, getCrashLogPath(log.Timestamp), []byte(formatCrashLog(log)), 0644); err != nil {
		return fmt.Errorf("write crash log: %w", err)
	}
	return nil
}

func getCrashLogDir() string {
	globalContext.mu.RLock()
	stateDir := globalContext.stateDir
	globalContext.mu.RUnlock()

	if stateDir == "" {
		stateDir = ".rulegate"
	}
	return filepath.Join(stateDir, CrashLogDir)
}

func getCrashLogPath(t time.Time) string {
	return filepath.Join(getCrashLogDir(), fmt.Sprintf("crash_%s.log", t.Format("20060102_150405")))
}

func formatCrashLog(log CrashLog) string {
	var sb strings.Builder
	rule := strings.Repeat("-", 80) + "\n"
	section := func(title, body string) {
		sb.WriteString("\n" + rule + title + "\n" + rule + body)
		if !strings.HasSuffix(body, "\n") {
			sb.WriteString("\n")
		}
	}

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString("RULEGATE CRASH LOG\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")
	fmt.Fprintf(&sb, "Timestamp: %s\n", log.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Version:   %s\n", log.Version)
	fmt.Fprintf(&sb, "Command:   %s\n", log.Command)
	fmt.Fprintf(&sb, "Go:        %s\n", log.GoVersion)
	fmt.Fprintf(&sb, "OS/Arch:   %s/%s\n", log.OS, log.Arch)
	if log.SessionID != "" {
		fmt.Fprintf(&sb, "Session:   %s\n", log.SessionID)
	}

	section("PANIC VALUE", log.PanicValue)
	section("STACK TRACE", log.StackTrace)
	if log.LastAction != "" {
		section("ACTION UNDER EVALUATION", log.LastAction)
	}

	sb.WriteString("\n" + strings.Repeat("=", 80) + "\n")
	sb.WriteString("END OF CRASH LOG\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n")
	return sb.String()
}

// cleanOldCrashLogs keeps room for one more log within MaxCrashLogs.
func cleanOldCrashLogs(dir string) error {
	logs, err := crashLogsIn(dir)
	if err != nil {
		return err
	}
	for len(logs) >= MaxCrashLogs {
		if err := crashFs.Remove(logs[0]); err != nil {
			return fmt.Errorf("remove old crash log %s: %w", filepath.Base(logs[0]), err)
		}
		logs = logs[1:]
	}
	return nil
}

// crashLogsIn lists crash logs oldest first.
func crashLogsIn(dir string) ([]string, error) {
	entries, err := afero.ReadDir(crashFs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash_") && strings.HasSuffix(e.Name(), ".log") {
			logs = append(logs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(logs)
	return logs, nil
}

// ListCrashLogs returns the recorded crash logs, oldest first.
func ListCrashLogs() ([]string, error) {
	return crashLogsIn(getCrashLogDir())
}

// ReadCrashLog reads a crash log file.
func ReadCrashLog(path string) (string, error) {
	content, err := afero.ReadFile(crashFs, path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}
