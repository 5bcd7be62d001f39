package claude

import (
	"encoding/json"
	"strings"
)

// EventKind identifies which member of the Event sum type a value holds.
// The enumeration is closed: TextDelta, Result, UserReceipt. Callers
// should switch on Kind exhaustively rather than type-asserting.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventResult
	EventUserReceipt
)

// Event is the parsed form of one line of the Agent's stdout. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// TextDelta / Result
	Text string

	// Result only
	SessionID *string
	Cost      *float64
	Tokens    *int
}

// envelope captures just enough of the top-level shape to classify a line
// before committing to a full unmarshal of one specific event shape.
type envelope struct {
	Type string `json:"type"`
}

type streamEventEnvelope struct {
	Type  string `json:"type"`
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
}

type resultEnvelope struct {
	Type         string   `json:"type"`
	Result       string   `json:"result"`
	SessionID    string   `json:"session_id"`
	CostUSD      *float64 `json:"cost_usd"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	Usage        *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseStreamLine parses one line of the Agent's newline-delimited JSON
// stdout into an Event, or returns nil for any line with no effect: empty
// or whitespace-only input, truncated JSON, an unrecognized top-level
// type, or a stream_event envelope whose inner shape isn't a text_delta.
// Never panics or returns an error; a malformed line is simply dropped.
func ParseStreamLine(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil
	}

	switch env.Type {
	case "stream_event":
		var se streamEventEnvelope
		if err := json.Unmarshal([]byte(line), &se); err != nil {
			return nil
		}
		if se.Event.Type != "content_block_delta" || se.Event.Delta.Type != "text_delta" {
			return nil
		}
		if se.Event.Delta.Text == "" {
			return nil
		}
		return &Event{Kind: EventTextDelta, Text: se.Event.Delta.Text}

	case "result":
		var re resultEnvelope
		if err := json.Unmarshal([]byte(line), &re); err != nil {
			return nil
		}
		ev := &Event{Kind: EventResult, Text: re.Result}
		if re.SessionID != "" {
			id := re.SessionID
			ev.SessionID = &id
		}
		switch {
		case re.CostUSD != nil:
			ev.Cost = re.CostUSD
		case re.TotalCostUSD != nil:
			ev.Cost = re.TotalCostUSD
		}
		if re.Usage != nil {
			tokens := re.Usage.InputTokens + re.Usage.OutputTokens
			ev.Tokens = &tokens
		}
		return ev

	case "user":
		return &Event{Kind: EventUserReceipt}

	default:
		return nil
	}
}
