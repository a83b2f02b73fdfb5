package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/pkg/errors"
)

// NopLogger returns a logger that drops everything. Meant for tests.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// DefaultLogger returns a default configured logger that logs to stderr using
// JSON format. If the INGEST_LOG_LEVEL environment variable is set and a valid
// value, the logger's level will be set to that value. Otherwise, the log level
// will default to WARN so that dropped records are always reported.
func DefaultLogger() *slog.Logger {
	level := os.Getenv("INGEST_LOG_LEVEL")
	leveler := new(slog.LevelVar)
	leveler.Set(parseLogLevel(level))
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource:   true,
		Level:       leveler,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler).With(slog.String("name", "ingest"))
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

// replaceAttr swaps every error attribute for the group built by fmtErr.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if err, ok := a.Value.Any().(error); ok {
			a.Value = fmtErr(err)
		}
	}
	return a
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// fmtErr renders err as a group of its message and, when some error in its
// chain carries a stack, the innermost stack as "trace".
func fmtErr(err error) slog.Value {
	attrs := []slog.Attr{slog.String("msg", err.Error())}

	var innermost stackTracer
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			innermost = st
		}
	}
	if innermost != nil {
		attrs = append(attrs, slog.Any("trace", traceLines(innermost.StackTrace())))
	}
	return slog.GroupValue(attrs...)
}

// traceLines formats frames as "function file:line", dropping the runtime
// frames (goexit and friends) that close every goroutine's stack.
func traceLines(frames errors.StackTrace) []string {
	end := len(frames)
	for end > 0 {
		fn := runtime.FuncForPC(uintptr(frames[end-1]) - 1)
		if fn == nil || !strings.HasPrefix(fn.Name(), "runtime.") {
			break
		}
		end--
	}

	lines := make([]string, 0, end)
	for _, frame := range frames[:end] {
		pc := uintptr(frame) - 1
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			lines = append(lines, "unknown")
			continue
		}
		file, line := fn.FileLine(pc)
		lines = append(lines, fmt.Sprintf("%s %s:%d", fn.Name(), file, line))
	}
	return lines
}

// forwardLogs reads log events from librdkafka and logs them with the slog
// Logger rather than letting librdkafka dump them to stderr. It returns when
// logChan is closed or stop is signalled.
func forwardLogs(logger *slog.Logger, logChan <-chan kafka.LogEvent, stop <-chan struct{}) {
	for {
		select {
		case logEvent, ok := <-logChan:
			if !ok {
				return
			}
			logger.Log(context.Background(), mapLibrdKafkaLevel(logEvent.Level), logEvent.Message,
				slog.Group("librdkafka",
					slog.String("name", logEvent.Name),
					slog.String("tag", logEvent.Tag),
					slog.Int("level", logEvent.Level)))
		case <-stop:
			return
		}
	}
}

// mapLibrdKafkaLevel maps syslog levels used by librdkafka onto slog levels.
func mapLibrdKafkaLevel(lvl int) slog.Level {
	switch lvl {
	case 0, 1, 2, 3:
		return slog.LevelError
	case 4:
		return slog.LevelWarn
	case 5, 6:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
