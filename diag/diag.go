package diag

import (
	"fmt"
	"sync"
	"time"
)

// Level is the diagnostic event level.
type Level = uint8

// about level
const (
	Debug Level = iota
	Info
	Warning
	Error
)

// TimeLayout is used to provide a parameter to time.Time.Format().
const TimeLayout = "2006-01-02 15:04:05"

// Event is one structured diagnostic record.
//
// level + source + message
// source usually like: component name + "-" + instance tag
//
// [2018-11-27 00:00:00] [warning] <detour-0x401000> hook already installed
type Event struct {
	Time    time.Time
	Level   Level
	Source  string
	Message string
}

// String is used to format an event to a single log line.
func (e *Event) String() string {
	return fmt.Sprintf("[%s] [%s] <%s> %s",
		e.Time.Format(TimeLayout), LevelString(e.Level), e.Source, e.Message)
}

// LevelString is used to convert a level to a readable string.
func LevelString(lv Level) string {
	switch lv {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("unknown level: %d", lv)
	}
}

// Observer receives diagnostic events. Components receive an Observer at
// construction instead of writing to a process-wide logger, so callers
// decide where diagnostics go and tests can capture them.
type Observer interface {
	Emit(event Event)
}

type nop struct{}

func (nop) Emit(Event) {}

// Nop is an observer that discards all events.
var Nop Observer = nop{}

// Emitf is used to build and emit an event with a formatted message.
func Emitf(o Observer, lv Level, src, format string, args ...interface{}) {
	if o == nil {
		return
	}
	o.Emit(Event{
		Time:    time.Now(),
		Level:   lv,
		Source:  src,
		Message: fmt.Sprintf(format, args...),
	})
}

// Collector is an observer that records events, it is safe for
// concurrent use.
type Collector struct {
	events []Event
	mu     sync.Mutex
}

// NewCollector is used to create a collector observer.
func NewCollector() *Collector {
	return new(Collector)
}

// Emit is used to record one event.
func (c *Collector) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events is used to get a copy of all recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]Event, len(c.events))
	copy(cp, c.events)
	return cp
}

// Reset is used to drop all recorded events.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
