// Package nlog is the dispatcher's logger: leveled, buffered, and explicit
// about when it hits disk. The API shape (package-level Infof/Warningf/
// Errorf, an explicit Flush, severity routed to stderr above a threshold)
// follows the teacher's cmn/nlog, trimmed to a single append-mode file per
// severity tier (info; warning and error share one) since the dispatcher
// logs at most a handful of lines a tick, not per-object traffic. Files are
// not rotated.
package nlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

type tier struct {
	mu  sync.Mutex
	w   *bufio.Writer
	f   *os.File
	sev severity
}

var (
	once       sync.Once
	toStderr   = true
	alsoStderr bool
	role       string
	tiers      [3]*tier
)

// Init points the logger at a log directory for the given process role
// (e.g. "dispatcher"). Until Init is called, everything goes to stderr.
func Init(logDir, processRole string) error {
	role = processRole
	if logDir == "" {
		return nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir %q: %w", logDir, err)
	}
	for _, sev := range []severity{sevInfo, sevErr} {
		name := filepath.Join(logDir, fmt.Sprintf("%s.%s.log", role, sevName(sev)))
		f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %q: %w", name, err)
		}
		tiers[sev] = &tier{w: bufio.NewWriterSize(f, 32*1024), f: f, sev: sev}
	}
	toStderr = false
	return nil
}

// SetAlsoStderr makes every log line also go to stderr, regardless of Init.
func SetAlsoStderr(v bool) { alsoStderr = v }

func sevName(sev severity) string {
	switch sev {
	case sevWarn:
		return "WARNING"
	case sevErr:
		return "ERROR"
	default:
		return "INFO"
	}
}

func Infof(format string, args ...any)    { emit(sevInfo, format, args...) }
func Warningf(format string, args ...any) { emit(sevWarn, format, args...) }
func Errorf(format string, args ...any)   { emit(sevErr, format, args...) }

func emit(sev severity, format string, args ...any) {
	line := sprintf(sev, format, args...)
	if toStderr || alsoStderr || sev >= sevWarn {
		os.Stderr.WriteString(line)
	}
	if toStderr {
		return
	}
	t := tiers[sevInfo]
	if sev >= sevWarn {
		t = tiers[sevErr]
	}
	t.mu.Lock()
	t.w.WriteString(line)
	t.mu.Unlock()
}

func sprintf(sev severity, format string, args ...any) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().UTC().Format("2006/01/02 15:04:05.000000"))
	b.WriteByte(' ')
	if _, file, line, ok := runtime.Caller(3); ok {
		if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
			file = file[idx+1:]
		}
		b.WriteString(file)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(line))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprint(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
	}
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

// Flush syncs buffered log lines to disk. Call on a timer and on shutdown.
func Flush() {
	for _, t := range tiers {
		if t == nil {
			continue
		}
		t.mu.Lock()
		t.w.Flush()
		t.mu.Unlock()
	}
}

// Close flushes and closes the underlying files. Call once, on shutdown.
func Close() {
	once.Do(func() {
		Flush()
		for _, t := range tiers {
			if t == nil {
				continue
			}
			t.f.Close()
		}
	})
}
