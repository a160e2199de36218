package state

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"autopilot/pkg/proto"
)

// ActivityLog is the append-only JSONL record of everything a run does.
// Appends are synced before returning so a crash mid-iteration leaves a
// truthful partial record.
type ActivityLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenActivityLog opens (or creates) an activity log for appending.
func OpenActivityLog(path string) (*ActivityLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	return &ActivityLog{path: path, file: file}, nil
}

// Append writes one event to the log and syncs it to disk.
func (a *ActivityLog) Append(event *proto.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return fmt.Errorf("activity log is closed")
	}

	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync activity log: %w", err)
	}
	return nil
}

// Path returns the log file location.
func (a *ActivityLog) Path() string { return a.path }

// Close closes the underlying file.
func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	if err != nil {
		return fmt.Errorf("failed to close activity log: %w", err)
	}
	return nil
}

// ReadActivityFile replays all events from an activity log file in append
// order. A missing file yields no events.
func ReadActivityFile(path string) ([]proto.Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	defer f.Close()

	var events []proto.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := proto.EventFromJSON(line)
		if err != nil {
			return nil, fmt.Errorf("corrupt activity log line: %w", err)
		}
		events = append(events, *event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan activity log: %w", err)
	}
	return events, nil
}
