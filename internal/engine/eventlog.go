package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// EventType classifies an event in a run's event stream.
type EventType string

const (
	EventRunStart      EventType = "run_start"
	EventStageStart    EventType = "stage_start"
	EventGeneration    EventType = "generation"
	EventMemoryAppend  EventType = "memory_append"
	EventSnapshotSaved EventType = "snapshot_saved"
	EventStageDone     EventType = "stage_done"
	EventBudgetStop    EventType = "budget_stop"
	EventRunDone       EventType = "run_done"
	EventError         EventType = "error"
)

// Event is a single structured event in the run's event stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id"`
	Data      any       `json:"data,omitempty"`
}

// EventLogger writes structured JSONL events for one run.
type EventLogger struct {
	mu      sync.Mutex
	file    *os.File
	enc     *json.Encoder
	runID   string
	logPath string
}

// NewEventLogger appends events to {runDir}/events/{run_id}.jsonl.
func NewEventLogger(runDir, runID string) (*EventLogger, error) {
	dir := filepath.Join(runDir, "events")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create events directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, runID+".jsonl")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", logPath, err)
	}

	return &EventLogger{
		file:    f,
		enc:     json.NewEncoder(f),
		runID:   runID,
		logPath: logPath,
	}, nil
}

// Log writes one event. Event logging is best effort; a failed write
// never interrupts the run.
func (el *EventLogger) Log(evtType EventType, data any) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return
	}
	evt := Event{
		Type:      evtType,
		Timestamp: time.Now(),
		RunID:     el.runID,
		Data:      data,
	}
	_ = el.enc.Encode(evt)
}

// Close flushes and closes the event log file.
func (el *EventLogger) Close() {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file != nil {
		_ = el.file.Close()
		el.file = nil
	}
}

// ReadRecent reads the last n events from the log file.
func (el *EventLogger) ReadRecent(n int) ([]Event, error) {
	el.mu.Lock()
	path := el.logPath
	el.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		var evt Event
		if json.Unmarshal(scanner.Bytes(), &evt) == nil {
			events = append(events, evt)
		}
	}

	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// FormatEvents formats events for display.
func FormatEvents(events []Event, title string) string {
	if len(events) == 0 {
		return "No events recorded."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%d events):\n", title, len(events)))
	for _, evt := range events {
		ts := evt.Timestamp.Format("15:04:05")
		dataStr := ""
		if evt.Data != nil {
			switch d := evt.Data.(type) {
			case string:
				dataStr = truncateData(d, 80)
			case map[string]any:
				if stage, ok := d["stage"].(string); ok {
					dataStr = stage
					if cost, ok := d["cost"].(float64); ok {
						dataStr = fmt.Sprintf("%s ($%.4f)", stage, cost)
					}
				} else if text, ok := d["text"].(string); ok {
					dataStr = truncateData(text, 80)
				}
			default:
				raw, _ := json.Marshal(d)
				dataStr = truncateData(string(raw), 80)
			}
		}
		if dataStr != "" {
			sb.WriteString(fmt.Sprintf("  %s  %-16s  %s\n", ts, evt.Type, dataStr))
		} else {
			sb.WriteString(fmt.Sprintf("  %s  %s\n", ts, evt.Type))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncateData(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
