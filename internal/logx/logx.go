// README: Structured logger contract with typed field constructors.
package logx

import (
	"time"

	"marketplace/internal/types"
)

// Logger is the structured logger used by services and middleware.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type Field struct {
	Key   string
	Value any
}

func Any(key string, value any) Field { return Field{Key: key, Value: value} }

func String(key, value string) Field { return Field{Key: key, Value: value} }

func ID(key string, value types.ID) Field { return Field{Key: key, Value: string(value)} }

func Int(key string, value int) Field { return Field{Key: key, Value: value} }

func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

func Time(key string, value time.Time) Field { return Field{Key: key, Value: value} }

func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Err attaches err under the "error" key. A nil error yields an empty string.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Event tags a log line with a stable event name for dashboards.
func Event(name string) Field { return Field{Key: "event", Value: name} }
