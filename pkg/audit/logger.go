package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	// EventExecute records a run that reached the kernel.
	EventExecute EventType = "EXECUTE"
	// EventBlock records a run rejected before invocation.
	EventBlock EventType = "BLOCK"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	RequestID string         `json:"request_id,omitempty"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

type actorKey struct{}

type actor struct {
	userID    string
	requestID string
}

// WithActor attaches the caller identity recorded on events.
func WithActor(ctx context.Context, userID, requestID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{userID: userID, requestID: requestID})
}

// logger implements Logger, writing one JSON object per line.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

// Nop returns a Logger that drops every event.
func Nop() Logger {
	return &logger{writer: io.Discard}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	who := actor{userID: "system"}
	if a, ok := ctx.Value(actorKey{}).(actor); ok && a.userID != "" {
		who = a
	}

	event := Event{
		ID:        uuid.New().String(),
		ActorID:   who.userID,
		RequestID: who.requestID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(data, '\n')...))
	return err
}
