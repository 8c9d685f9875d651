package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

// RequestIDKey is the context key under which the API stores the request id.
const RequestIDKey contextKey = "request_id"

// Logger wraps logrus.Logger with sync specific helpers
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance writing JSON to stdout
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing to w
func NewWithOutput(level string, w io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(w)

	return &Logger{Logger: log}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithOutput("panic", io.Discard)
}

// WithFields creates a new logger entry with the specified fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithField creates a new logger entry with a single field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithError creates a new logger entry with an error field
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithTask creates a new logger entry scoped to one order
func (l *Logger) WithTask(taskID string) *logrus.Entry {
	return l.Logger.WithField("task_id", taskID)
}

// WithContext creates a logger with trace and request fields taken from ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		entry = entry.WithFields(logrus.Fields{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}

	return entry
}

// Delivery logs the outcome of one outbound bundle submission
func (l *Logger) Delivery(ctx context.Context, taskID, outcome string, entries int, duration int64, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"delivery":    true,
		"task_id":     taskID,
		"outcome":     outcome,
		"entries":     entries,
		"duration_ms": duration,
	})

	if err != nil {
		entry.WithError(err).Error("Lab bundle delivery failed")
		return
	}
	entry.Info("Lab bundle delivery finished")
}

// PollRun logs a summary of one inbound polling run
func (l *Logger) PollRun(ctx context.Context, lower, upper string, pages, tasks int, duration int64, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"poll":        true,
		"lower_bound": lower,
		"upper_bound": upper,
		"pages":       pages,
		"tasks":       tasks,
		"duration_ms": duration,
	})

	if err != nil {
		entry.WithError(err).Error("Task update poll failed")
		return
	}
	entry.Info("Task update poll completed")
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, clientIP string, statusCode int, duration int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}

// DatabaseOperation logs database operation events
func (l *Logger) DatabaseOperation(ctx context.Context, operation, table string, duration int64, rowsAffected int64, success bool) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"database":      true,
		"operation":     operation,
		"table":         table,
		"duration_ms":   duration,
		"rows_affected": rowsAffected,
		"success":       success,
	})

	if success {
		entry.Debug("Database operation completed")
	} else {
		entry.Error("Database operation failed")
	}
}
