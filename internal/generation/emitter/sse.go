package emitter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// KeepAliveInterval is how often an idle stream writes a comment frame.
const KeepAliveInterval = 15 * time.Second

// WriteEvent writes one text/event-stream frame.
func WriteEvent(w io.Writer, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, payload)
	return err
}

// WriteKeepAlive writes a comment frame that keeps proxies from closing an idle stream.
func WriteKeepAlive(w io.Writer) error {
	_, err := fmt.Fprintf(w, ": keep-alive %d\n\n", time.Now().Unix())
	return err
}

// ParseLastEventID parses the Last-Event-ID header; invalid values mean "from the start".
func ParseLastEventID(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Frame is one raw event read from a stream.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// Parse reads server-sent events from reader and invokes fn for each complete frame.
func Parse(reader io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 4096), 512*1024)

	var frame Frame
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			frame = Frame{}
			return nil
		}
		frame.Data = strings.Join(dataLines, "\n")
		out := frame
		frame = Frame{}
		dataLines = dataLines[:0]
		return fn(out)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "id:"):
			frame.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

// Decode turns a frame back into an event with a typed Data payload.
func Decode(f Frame) (domain.Event, error) {
	var raw struct {
		domain.Event
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(f.Data), &raw); err != nil {
		return domain.Event{}, fmt.Errorf("decode %s event: %w", f.Event, err)
	}
	evt := raw.Event
	if evt.Type == "" {
		evt.Type = domain.EventType(f.Event)
	}

	var err error
	switch evt.Type {
	case domain.EventTypeStatus:
		var d domain.StatusEvent
		err = json.Unmarshal(raw.Data, &d)
		evt.Data = d
	case domain.EventTypeItem:
		var d domain.ItemEvent
		err = json.Unmarshal(raw.Data, &d)
		evt.Data = d
	case domain.EventTypeComplete:
		var d domain.CompleteEvent
		err = json.Unmarshal(raw.Data, &d)
		evt.Data = d
	default:
		evt.Data = raw.Data
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return evt, nil
}
