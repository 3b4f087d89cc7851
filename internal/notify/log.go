package notify

import (
	"context"
	"log/slog"

	"github.com/benaskins/portvisor/internal/supervisor"
)

// LogObserver writes notifications to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates an observer logging to l, or the default logger.
func NewLogObserver(l *slog.Logger) *LogObserver {
	if l == nil {
		l = slog.Default()
	}
	return &LogObserver{logger: l.With("component", "events")}
}

func (o *LogObserver) OnStateChanged(service string, from, to supervisor.State) {
	o.logger.Info("state changed", "service", service, "from", from, "to", to)
}

func (o *LogObserver) OnLogEvent(ev supervisor.Event) {
	attrs := []slog.Attr{
		slog.Uint64("seq", ev.Seq),
		slog.String("kind", string(ev.Kind)),
	}
	if ev.Service != "" {
		attrs = append(attrs, slog.String("service", ev.Service))
	}
	o.logger.LogAttrs(context.Background(), ev.Level, ev.Message, attrs...)
}
