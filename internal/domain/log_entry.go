package domain

import (
	"strings"
	"time"
)

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func NormalizeLogLevel(value string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(LogLevelInfo), "":
		return LogLevelInfo
	case string(LogLevelWarn), "warning":
		return LogLevelWarn
	case string(LogLevelError):
		return LogLevelError
	default:
		return ""
	}
}

// LogEntry is one immutable execution log line. StageID is empty for
// execution-level messages.
type LogEntry struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	StageID     string    `json:"stage_id,omitempty"`
	Level       LogLevel  `json:"level"`
	Message     string    `json:"message"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	LoggedAt    time.Time `json:"logged_at"`
}
