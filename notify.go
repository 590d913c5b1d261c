package headspa

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a transient, user-facing message (a toast).
type Notification struct {
	Severity Severity
	Op       string
	Message  string
	Err      error
	At       time.Time
}

// Notifier receives engine notifications. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type logNotifier struct{ logger zerolog.Logger }

// LogNotifier writes notifications to logger.
func LogNotifier(logger zerolog.Logger) Notifier {
	return logNotifier{logger: logger}
}

func (l logNotifier) Notify(n Notification) {
	var ev *zerolog.Event
	switch n.Severity {
	case SeverityError:
		ev = l.logger.Error()
	case SeverityWarning:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}
	ev.Err(n.Err).Str("op", n.Op).Msg(n.Message)
}

// ============================================================================
// Listener set
// ============================================================================

type listeners[T any] struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// emit calls every listener. A panicking listener is reported to onPanic and
// does not stop the others.
func (l *listeners[T]) emit(v T, onPanic func(r interface{})) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(r)
				}
			}()
			fn(v)
		}()
	}
}
