package crawler

import (
	"context"
	"log/slog"
)

type EventKind int

const (
	EventDiscovered EventKind = iota
	EventDiscarded
	EventFetched
	EventFetchFailed
	EventImageRecorded
	EventSkipped
)

func (k EventKind) String() string {
	return [...]string{"discovered", "discarded", "fetched", "fetch failed", "image recorded", "skipped"}[k]
}

// Discard reasons.
const (
	ReasonDepth      = "max depth reached"
	ReasonHost       = "hostname mismatch"
	ReasonInvalidURL = "invalid url"
	ReasonBudget     = "page budget exhausted"
	ReasonVisited    = "already visited"
)

type Event struct {
	Kind   EventKind
	URL    string
	Depth  int
	Reason string
	Err    error
}

// Observer receives crawl events. It is called from worker goroutines and must be safe for concurrent use.
type Observer func(Event)

// Observers fans an event out to every non-nil observer in order.
func Observers(observers ...Observer) Observer {
	return func(e Event) {
		for _, o := range observers {
			if o != nil {
				o(e)
			}
		}
	}
}

// LogObserver renders events with slog. Without verbose, progress events are logged at debug level.
func LogObserver(logger *slog.Logger, verbose bool) Observer {
	progress := slog.LevelDebug
	if verbose {
		progress = slog.LevelInfo
	}
	return func(e Event) {
		attrs := []slog.Attr{slog.String("url", e.URL), slog.Int("depth", e.Depth)}
		switch e.Kind {
		case EventFetchFailed:
			if e.Err != nil {
				attrs = append(attrs, slog.String("err", e.Err.Error()))
			}
			logger.LogAttrs(context.Background(), slog.LevelWarn, "page skipped.", attrs...)
		case EventDiscarded, EventSkipped:
			attrs = append(attrs, slog.String("reason", e.Reason))
			logger.LogAttrs(context.Background(), progress, e.Kind.String()+".", attrs...)
		default:
			logger.LogAttrs(context.Background(), progress, e.Kind.String()+".", attrs...)
		}
	}
}
