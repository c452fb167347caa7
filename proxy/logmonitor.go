package proxy

import (
	"container/ring"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel maps the LOG_LEVEL env value to a level, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogMonitor is a leveled logger that tees writes to an output writer,
// keeps a ring buffer of recent lines for the admin log tail, and
// broadcasts lines to subscribers.
type LogMonitor struct {
	out      io.Writer
	clients  map[chan string]bool
	mu       sync.RWMutex
	buffer   *ring.Ring
	bufferMu sync.RWMutex

	levelMu sync.RWMutex
	level   LogLevel
}

func NewLogMonitor() *LogMonitor {
	return NewLogMonitorWriter(os.Stdout)
}

func NewLogMonitorWriter(out io.Writer) *LogMonitor {
	return &LogMonitor{
		out:     out,
		clients: make(map[chan string]bool),
		buffer:  ring.New(10 * 1024),
		level:   LevelInfo,
	}
}

func (w *LogMonitor) SetLogLevel(level LogLevel) {
	w.levelMu.Lock()
	w.level = level
	w.levelMu.Unlock()
}

func (w *LogMonitor) LogLevel() LogLevel {
	w.levelMu.RLock()
	defer w.levelMu.RUnlock()
	return w.level
}

func (w *LogMonitor) Write(p []byte) (n int, err error) {
	n, err = w.out.Write(p)
	if err != nil {
		return n, err
	}

	content := string(p)

	w.bufferMu.Lock()
	w.buffer.Value = content
	w.buffer = w.buffer.Next()
	w.bufferMu.Unlock()

	w.broadcast(content)
	return n, nil
}

// GetHistory returns the buffered log lines, oldest first.
func (w *LogMonitor) GetHistory() string {
	w.bufferMu.RLock()
	defer w.bufferMu.RUnlock()

	var sb strings.Builder
	w.buffer.Do(func(p interface{}) {
		if p != nil {
			if content, ok := p.(string); ok {
				sb.WriteString(content)
			}
		}
	})
	return sb.String()
}

func (w *LogMonitor) Subscribe() chan string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan string, 100)
	w.clients[ch] = true
	return ch
}

func (w *LogMonitor) Unsubscribe(ch chan string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.clients[ch]; ok {
		delete(w.clients, ch)
		close(ch)
	}
}

func (w *LogMonitor) broadcast(msg string) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for client := range w.clients {
		select {
		case client <- msg:
		default:
			// skip slow clients instead of blocking the writer
		}
	}
}

func (w *LogMonitor) logf(level LogLevel, format string, args ...interface{}) {
	if level < w.LogLevel() {
		return
	}
	ts := time.Now().Format("2006/01/02 15:04:05")
	fmt.Fprintf(w, "%s [%s] %s\n", ts, level, fmt.Sprintf(format, args...))
}

func (w *LogMonitor) Debugf(format string, args ...interface{}) {
	w.logf(LevelDebug, format, args...)
}

func (w *LogMonitor) Infof(format string, args ...interface{}) {
	w.logf(LevelInfo, format, args...)
}

func (w *LogMonitor) Warnf(format string, args ...interface{}) {
	w.logf(LevelWarn, format, args...)
}

func (w *LogMonitor) Errorf(format string, args ...interface{}) {
	w.logf(LevelError, format, args...)
}

// LogRequest emits a single access-log line with structured fields.
func (w *LogMonitor) LogRequest(requestID, method, path, clientIP string, status int, duration time.Duration) {
	w.Infof("request id=%s method=%s path=%s ip=%s status=%d duration=%s",
		requestID, method, path, clientIP, status, duration.Round(time.Millisecond))
}

// Audit records an operator action against the admin surface.
func (w *LogMonitor) Audit(action, actor, details string) {
	w.Infof("audit action=%s actor=%s %s", action, actor, details)
}
