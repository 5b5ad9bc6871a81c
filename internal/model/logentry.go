package model

import (
	"strings"
	"time"
)

// Levels of the log file
const (
	LevelInfo    = "INFO"
	LevelWarn    = "WARN"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// LogEntry is one line of the log file
type LogEntry struct {
	Time    time.Time
	Level   string
	Host    string // optional
	Message string
}

// String formats entry as [<timestamp>] [<LEVEL>] [<hostname>] <message>
// The hostname part is omitted for entries not related to a host.
func (e LogEntry) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(e.Time.Format(time.DateTime))
	sb.WriteString("] [")
	sb.WriteString(e.Level)
	sb.WriteString("] ")
	if e.Host != "" {
		sb.WriteString("[")
		sb.WriteString(e.Host)
		sb.WriteString("] ")
	}
	// one entry is always one line
	sb.WriteString(strings.ReplaceAll(strings.TrimRight(e.Message, "\r\n"), "\n", " "))
	sb.WriteString("\n")
	return sb.String()
}
