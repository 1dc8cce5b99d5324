package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.little-kb/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".little-kb", "logs")
	}
	return filepath.Join(home, ".little-kb", "logs")
}

// DefaultLogPath returns the default server log path (the CLI instance's
// own debug log, written when running with --debug).
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "server.log")
}

// ToolServerLogPath returns the log path for a single tool-server record.
// The supervisor spawner redirects each child's stdout/stderr here.
func ToolServerLogPath(serverID string) string {
	return filepath.Join(DefaultLogDir(), fmt.Sprintf("toolserver-%s.log", serverID))
}

// ToolServerLogPaths returns every existing tool-server log file.
func ToolServerLogPaths() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(DefaultLogDir(), "toolserver-*.log"))
	if err != nil {
		return nil, fmt.Errorf("glob tool server logs: %w", err)
	}
	return matches, nil
}

// LogSource represents the source of logs to view.
type LogSource string

const (
	// LogSourceServer is the main CLI/supervisor debug log (default).
	LogSourceServer LogSource = "server"
	// LogSourceToolServer is every running tool-server child's log.
	LogSourceToolServer LogSource = "toolserver"
	// LogSourceAll combines all log sources.
	LogSourceAll LogSource = "all"
)

// FindLogFile attempts to find the log file for viewing.
// Priority:
// 1. Explicit path (if provided)
// 2. ~/.little-kb/logs/server.log (global)
//
// Returns an error if no log file is found.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, nil
		}
		return "", fmt.Errorf("log file not found: %s", explicit)
	}

	// Try global path
	globalPath := DefaultLogPath()
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", fmt.Errorf("no log file found. Server may not have run with --debug yet.\nExpected at: %s", globalPath)
}

// FindLogFileBySource finds log files based on the source type.
// Returns a list of log file paths that exist.
func FindLogFileBySource(source LogSource, explicit string) ([]string, error) {
	// Explicit path takes precedence
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return []string{explicit}, nil
		}
		return nil, fmt.Errorf("log file not found: %s", explicit)
	}

	var paths []string
	var checked []string

	switch source {
	case LogSourceServer:
		serverPath := DefaultLogPath()
		checked = append(checked, serverPath)
		if _, err := os.Stat(serverPath); err == nil {
			paths = append(paths, serverPath)
		}

	case LogSourceToolServer:
		toolPaths, err := ToolServerLogPaths()
		if err != nil {
			return nil, err
		}
		checked = append(checked, toolPaths...)
		paths = append(paths, toolPaths...)

	case LogSourceAll:
		serverPath := DefaultLogPath()
		checked = append(checked, serverPath)
		if _, err := os.Stat(serverPath); err == nil {
			paths = append(paths, serverPath)
		}

		toolPaths, err := ToolServerLogPaths()
		if err != nil {
			return nil, err
		}
		checked = append(checked, toolPaths...)
		paths = append(paths, toolPaths...)

	default:
		return nil, fmt.Errorf("unknown log source: %s (use: server, toolserver, all)", source)
	}

	if len(paths) == 0 {
		hint := getLogHint(source)
		return nil, fmt.Errorf("no log files found for source '%s'.\nChecked: %v\n\n%s", source, checked, hint)
	}

	return paths, nil
}

// ParseLogSource parses a string into a LogSource.
func ParseLogSource(s string) LogSource {
	switch s {
	case "toolserver":
		return LogSourceToolServer
	case "all":
		return LogSourceAll
	default:
		return LogSourceServer
	}
}

// EnsureLogDir creates the log directory if it doesn't exist.
func EnsureLogDir() error {
	dir := DefaultLogDir()
	return os.MkdirAll(dir, 0o755)
}

// getLogHint returns a helpful message on how to generate logs for the given source.
func getLogHint(source LogSource) string {
	switch source {
	case LogSourceServer:
		return "To generate server logs:\n  littlekb --debug serve"
	case LogSourceToolServer:
		return "Tool-server logs appear once a tool server has been started:\n  littlekb kb create <name>"
	case LogSourceAll:
		return "To generate logs:\n  littlekb --debug serve\n  littlekb kb create <name>"
	default:
		return ""
	}
}
