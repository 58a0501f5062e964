package claudecli

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/nugget/kaizen/internal/executor"
)

// maxLineBytes bounds a single stream-json line. Tool results can be
// large, so this is well above bufio's default.
const maxLineBytes = 16 << 20

// streamLine covers both the current Claude Code stream-json schema
// (assistant messages with content blocks, a final result event) and
// the older flat schema (text, tool_use and error events).
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`

	IsError bool   `json:"is_error"`
	Result  string `json:"result"`

	Text    string `json:"text"`
	Content string `json:"content"`
	Tool    string `json:"tool"`
	Error   string `json:"error"`
}

// ParseStream reads stream-json lines from r and emits executor events.
// It stops when emit returns false, at the result event, or at EOF. It
// reports whether a complete event was emitted. Lines that are not JSON
// are skipped.
func ParseStream(r io.Reader, emit func(executor.Event) bool) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	sawText := false
	for scanner.Scan() {
		var line streamLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}

		var events []executor.Event
		switch line.Type {
		case "assistant":
			if line.Message == nil {
				continue
			}
			for _, block := range line.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						events = append(events, executor.Event{Kind: executor.EventText, Text: block.Text})
					}
				case "tool_use":
					events = append(events, executor.Event{Kind: executor.EventToolCall, Tool: block.Name})
				}
			}

		case "text", "content":
			text := line.Text
			if text == "" {
				text = line.Content
			}
			if text != "" {
				events = append(events, executor.Event{Kind: executor.EventText, Text: text})
			}

		case "tool_use":
			events = append(events, executor.Event{Kind: executor.EventToolCall, Tool: line.Tool})

		case "error":
			msg := line.Error
			if msg == "" {
				msg = "claude reported an error"
			}
			return emit(executor.Event{Kind: executor.EventComplete, Error: msg}), nil

		case "result":
			if !sawText && line.Result != "" {
				events = append(events, executor.Event{Kind: executor.EventText, Text: line.Result})
			}
			done := executor.Event{Kind: executor.EventComplete, Success: !line.IsError}
			if line.IsError {
				done.Error = line.Result
				if done.Error == "" {
					done.Error = line.Subtype
				}
			}
			events = append(events, done)
			for _, ev := range events {
				if !emit(ev) {
					return false, nil
				}
			}
			return true, nil
		}

		for _, ev := range events {
			if ev.Kind == executor.EventText {
				sawText = true
			}
			if !emit(ev) {
				return false, nil
			}
		}
	}
	return false, scanner.Err()
}
