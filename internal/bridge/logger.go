package bridge

import (
	"encoding/json"
	"io"
	"time"
)

// Logger writes JSON lines, one event per line, tagged with the bridge
// component that produced them. A nil logger discards everything, so
// components never need to guard their log calls.
type Logger struct {
	out       io.Writer
	component string
}

type LogEvent struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func NewLogger(out io.Writer) *Logger {
	return &Logger{out: out}
}

// Component returns a logger whose events carry the named component, e.g.
// "live", "mirror", "approvals".
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: l.out, component: name}
}

func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.write("info", message, fields)
}

func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.write("error", message, fields)
}

func (l *Logger) write(level, message string, fields map[string]interface{}) {
	if l == nil || l.out == nil {
		return
	}
	evt := LogEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Component: l.component,
		Message:   message,
		Fields:    fields,
	}
	payload, _ := json.Marshal(evt)
	payload = append(payload, '\n')
	_, _ = l.out.Write(payload)
}
