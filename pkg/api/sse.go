package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Event is one Server-Sent Event.
type Event struct {
	Name string
	Data json.RawMessage
}

// WriteEvent encodes payload as a named SSE event.
func WriteEvent(w io.Writer, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// ParseEvent assembles an event from its lines. Events without data are
// skipped.
func ParseEvent(lines []string) (Event, bool) {
	var ev Event
	var data []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if payload := strings.TrimSpace(strings.TrimPrefix(line, "data:")); payload != "" {
				data = append(data, payload)
			}
		}
	}
	if len(data) == 0 {
		return Event{}, false
	}
	ev.Data = json.RawMessage(strings.Join(data, "\n"))
	return ev, true
}

// ReadEvents streams SSE events, invoking eventFn for each completed event.
func ReadEvents(body io.Reader, eventFn func(Event) error) error {
	reader := bufio.NewReader(body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
					lines = append(lines, trimmed)
				}
				return dispatchEvent(lines, eventFn)
			}
			return err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err := dispatchEvent(lines, eventFn); err != nil {
				return err
			}
			lines = lines[:0]
			continue
		}
		lines = append(lines, trimmed)
	}
}

func dispatchEvent(lines []string, eventFn func(Event) error) error {
	if len(lines) == 0 {
		return nil
	}
	ev, ok := ParseEvent(lines)
	if !ok {
		return nil
	}
	return eventFn(ev)
}
