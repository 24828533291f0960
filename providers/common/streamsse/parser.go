package streamsse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStop may be returned by a callback to end parsing early without error.
var ErrStop = errors.New("streamsse: stop")

// Event captures one SSE event envelope.
type Event struct {
	Event string
	Data  string
}

// Done reports the OpenAI-style terminal sentinel.
func (e Event) Done() bool {
	return e.Data == "[DONE]"
}

// Parse reads server-sent events from reader and invokes fn for each complete event.
func Parse(reader io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 4096), 512*1024)

	var eventName string
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		ev := Event{
			Event: strings.TrimSpace(eventName),
			Data:  strings.Join(dataLines, "\n"),
		}
		eventName = ""
		dataLines = dataLines[:0]
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return stopIsNil(err)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return stopIsNil(flush())
}

func stopIsNil(err error) error {
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
