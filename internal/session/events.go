package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relay/internal/id"
	"relay/internal/jsonx"
	"relay/internal/logging"
)

// EventType names what happened in a session.
type EventType string

const (
	EventLogin        EventType = "login"
	EventLogout       EventType = "logout"
	EventError        EventType = "error"
	EventTaskStart    EventType = "task_start"
	EventTaskComplete EventType = "task_complete"
	EventDecision     EventType = "decision"
	EventFileRead     EventType = "file_read"
	EventFileWritten  EventType = "file_written"
	EventBashCommand  EventType = "bash_command"
	EventSessionEnded EventType = "session_ended"
)

// Event is one append-only session history record.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType EventType      `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Details   map[string]any `json:"details,omitempty"`
}

const historyFileName = "session_history.json"

const (
	readRetries    = 3
	readRetryDelay = 500 * time.Millisecond
)

// EventStore appends session events to session_history.json under the
// project root. Writes are serialized and atomic; reads retry briefly when
// they race a concurrent writer from another process.
type EventStore struct {
	mu     sync.Mutex
	path   string
	logger logging.Logger
}

// NewEventStore creates a store rooted at projectRoot.
func NewEventStore(projectRoot string, logger logging.Logger) *EventStore {
	return &EventStore{
		path:   filepath.Join(projectRoot, historyFileName),
		logger: logging.OrNop(logger),
	}
}

// Append records one event. The event id and timestamp are filled when
// empty.
func (s *EventStore) Append(sessionID string, eventType EventType, details map[string]any) (Event, error) {
	event := Event{
		EventID:   id.NewEventID(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SessionID: sessionID,
		Details:   details,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.readLocked()
	if err != nil {
		return Event{}, err
	}
	events = append(events, event)

	data, err := jsonx.MarshalIndent(events, "", "  ")
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode history: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return Event{}, err
	}
	return event, nil
}

// Events returns the full history, oldest first.
func (s *EventStore) Events() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// EventsForSession filters the history by session id.
func (s *EventStore) EventsForSession(sessionID string) ([]Event, error) {
	all, err := s.Events()
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// readLocked loads the history file, retrying a few times when the file is
// mid-rewrite by another process and parses as garbage.
func (s *EventStore) readLocked() ([]Event, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryDelay)
		}

		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) == 0 {
			return nil, nil
		}

		var events []Event
		if err := jsonx.Unmarshal(data, &events); err != nil {
			s.logger.Warn("history read attempt %d failed: %v", attempt+1, err)
			lastErr = err
			continue
		}
		return events, nil
	}
	return nil, fmt.Errorf("failed to read %s after %d attempts: %w", s.path, readRetries, lastErr)
}
