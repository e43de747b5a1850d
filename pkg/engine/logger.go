package engine

import (
	"fmt"
	"log/slog"
	"os"
)

// slogAdapter feeds pebble's printf-style event log into the run logger.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.l.Debug(fmt.Sprintf(format, args...), "source", "pebble")
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.l.Error(fmt.Sprintf(format, args...), "source", "pebble")
}

func (a slogAdapter) Fatalf(format string, args ...any) {
	a.l.Error(fmt.Sprintf(format, args...), "source", "pebble")
	os.Exit(1)
}
