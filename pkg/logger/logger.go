package logger

import (
	"os"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// Logger holds one named sub-logger per top-level RIME component, all
// backed by the same root so log level and formatting stay consistent
// across the process.
type Logger struct {
	Core         waLog.Logger
	Filesystem   waLog.Logger
	Orchestrator waLog.Logger
	HTTP         waLog.Logger
}

func New(level string) *Logger {
	if level == "" {
		level = "INFO"
	}
	root := waLog.Stdout("RIME", level, true)
	return &Logger{
		Core:         root,
		Filesystem:   root.Sub("Filesystem"),
		Orchestrator: root.Sub("Orchestrator"),
		HTTP:         root.Sub("HTTP"),
	}
}

func (l *Logger) WithRequestID(id string) waLog.Logger {
	return l.HTTP.Sub(id)
}

func InitForTests() *Logger {
	root := waLog.Stdout("Test", "DEBUG", true)
	return &Logger{Core: root, Filesystem: root.Sub("Filesystem"), Orchestrator: root.Sub("Orchestrator"), HTTP: waLog.Noop}
}

func DisableColor() {
	os.Setenv("NO_COLOR", "1")
}
