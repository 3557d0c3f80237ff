package translate

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Event is one parsed SSE event, following the WHATWG EventSource field set
// the dispatcher cares about (spec.md §6): event, data, id, retry. Multiple
// "data:" lines within one event are joined with "\n" per the spec.
type Event struct {
	Event string
	Data  string
	ID    string
	Retry string
}

// DefaultEventName is the value EventSource assumes when a dispatch carries
// no explicit "event:" field; spec.md §8 property 11 requires it be
// suppressed on output rather than echoed.
const DefaultEventName = "message"

// EventReader parses an upstream SSE byte stream into Events, honoring
// \n, \r\n, and \r line endings and dispatching on a blank line, per the
// WHATWG EventSource spec referenced in spec.md §6.
type EventReader struct {
	scanner *bufio.Scanner
}

// NewEventReader wraps r with a line-oriented SSE parser.
func NewEventReader(r io.Reader) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	scanner.Split(scanLinesAnyEnding)
	return &EventReader{scanner: scanner}
}

// Next reads until the next dispatched event (a blank line) or EOF. It
// returns io.EOF once the stream is exhausted with no further event
// pending.
func (r *EventReader) Next() (Event, error) {
	var ev Event
	var dataLines []string
	sawAnyField := false

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if sawAnyField {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			// Leading blank lines before any field are ignored.
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // comment line
		}

		field, value := splitField(line)
		switch field {
		case "event":
			ev.Event = value
			sawAnyField = true
		case "data":
			dataLines = append(dataLines, value)
			sawAnyField = true
		case "id":
			ev.ID = value
			sawAnyField = true
		case "retry":
			ev.Retry = value
			sawAnyField = true
		default:
			// Unknown fields are ignored per the EventSource spec.
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if sawAnyField {
		ev.Data = strings.Join(dataLines, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}

func splitField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

// scanLinesAnyEnding is bufio.ScanLines generalized to also split on a bare
// "\r" not followed by "\n", since EventSource treats \r, \n, and \r\n all
// as line terminators.
func scanLinesAnyEnding(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if atEOF {
				return i + 1, data[:i], nil
			}
			// Need more data to know if \n follows.
			return 0, nil, nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// WriteEvent serializes ev to w in WHATWG EventSource wire format, omitting
// the event field when it equals DefaultEventName (spec.md §8 property 11)
// and skipping the event entirely when Data is empty or whitespace-only
// (spec.md §8 property 10). Returns whether an event was actually written.
func WriteEvent(w io.Writer, ev Event) (bool, error) {
	if strings.TrimSpace(ev.Data) == "" {
		return false, nil
	}

	var b strings.Builder
	if ev.Event != "" && ev.Event != DefaultEventName {
		fmt.Fprintf(&b, "event: %s\n", ev.Event)
	}
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	if ev.Retry != "" {
		fmt.Fprintf(&b, "retry: %s\n", ev.Retry)
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	_, err := io.WriteString(w, b.String())
	return true, err
}
