// Package decisionparser implements the Decision Parser (spec.md §4.5): a
// pure function turning an LLM reply string into one or more domain.Decision
// values. Grounded on
// other_examples/12aa27ba_artur-safonov-nofx__decision-engine.go.go's
// extractDecisions/findMatchingBracket bracket-matching approach, adapted
// from its top-level JSON array to the spec's outermost-`{…}`-object
// convention, and on its fenced-code-stripping idea from
// other_examples/1a537e7f_..._prompt_builder.go.go's `<decision>` fencing.
package decisionparser

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/aristath/cryptosentinel/internal/domain"
)

const holdReasoningChars = 150

type wireDecision struct {
	Symbol              string      `json:"symbol"`
	Action              string      `json:"action"`
	Confidence          interface{} `json:"confidence"`
	EntryPrice          interface{} `json:"entryPrice"`
	PositionSizePercent interface{} `json:"positionSizePercent"`
	TakeProfit          interface{} `json:"takeProfit"`
	StopLoss            interface{} `json:"stopLoss"`
	Leverage            interface{} `json:"leverage"`
	Reasoning           string      `json:"reasoning"`
	Timeframe           string      `json:"timeframe"`
}

// UnmarshalJSON accepts both camelCase and snake_case wire keys: LLM replies
// observed in the wild use either convention interchangeably for the same
// field. encoding/json struct tags can't alias two keys to one field, so the
// snake_case spellings are normalised into their camelCase counterparts
// before decoding into the tagged struct above.
func (w *wireDecision) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	aliases := map[string]string{
		"entry_price":           "entryPrice",
		"position_size_percent": "positionSizePercent",
		"take_profit":           "takeProfit",
		"stop_loss":             "stopLoss",
	}
	for snake, camel := range aliases {
		if v, ok := raw[snake]; ok {
			if _, hasCamel := raw[camel]; !hasCamel {
				raw[camel] = v
			}
		}
	}

	normalised, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	type alias wireDecision
	var a alias
	if err := json.Unmarshal(normalised, &a); err != nil {
		return err
	}
	*w = wireDecision(a)
	return nil
}

type wireEnvelope struct {
	Decisions []wireDecision `json:"decisions"`
}

// Parse turns a raw LLM reply into one or more decisions. It never errors:
// on any failure to find or decode JSON it returns a single synthetic HOLD
// decision whose reasoning carries the first 150 characters of the raw
// reply, per spec.md §4.5. Parse is pure and never logs.
func Parse(reply string) []domain.Decision {
	jsonText, ok := extractOutermostObject(reply)
	if !ok {
		return []domain.Decision{holdFallback(reply)}
	}

	var envelope wireEnvelope
	if err := json.Unmarshal([]byte(jsonText), &envelope); err == nil && len(envelope.Decisions) > 0 {
		out := make([]domain.Decision, 0, len(envelope.Decisions))
		for _, w := range envelope.Decisions {
			out = append(out, toDecision(w))
		}
		return out
	}

	var single wireDecision
	if err := json.Unmarshal([]byte(jsonText), &single); err != nil {
		return []domain.Decision{holdFallback(reply)}
	}
	return []domain.Decision{toDecision(single)}
}

// extractOutermostObject strips fenced-code markers (```json ... ``` or
// ``` ... ```) and returns the text between the first `{` and its matching
// `}`, scanning string literals so braces inside JSON string values never
// confuse the bracket match.
func extractOutermostObject(reply string) (string, bool) {
	text := stripFences(reply)

	start := strings.Index(text, "{")
	if start == -1 {
		return "", false
	}
	end := matchingBrace(text, start)
	if end == -1 {
		return "", false
	}
	return text[start : end+1], true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(s[:nl])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{}") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func toDecision(w wireDecision) domain.Decision {
	action := domain.Action(strings.ToUpper(strings.TrimSpace(w.Action)))
	if action == "" {
		action = domain.ActionHold
	}

	return domain.Decision{
		Symbol:              strings.TrimSpace(w.Symbol),
		Action:              action,
		Confidence:          leniantFloat(w.Confidence),
		EntryPrice:          leniantFloatPtr(w.EntryPrice),
		PositionSizePercent: leniantFloatPtr(w.PositionSizePercent),
		TakeProfit:          leniantFloatPtr(w.TakeProfit),
		StopLoss:            leniantFloatPtr(w.StopLoss),
		Leverage:            int(leniantFloat(w.Leverage)),
		Reasoning:           w.Reasoning,
		Timeframe:           domain.Timeframe(strings.ToUpper(strings.TrimSpace(w.Timeframe))),
	}
}

// leniantFloat parses a JSON field that may arrive as a number, a numeric
// string, or absent, returning 0 for anything else.
func leniantFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func leniantFloatPtr(v interface{}) *float64 {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		f := t
		return &f
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func holdFallback(reply string) domain.Decision {
	reasoning := reply
	if r := []rune(reply); len(r) > holdReasoningChars {
		reasoning = string(r[:holdReasoningChars])
	}
	return domain.Decision{
		Symbol:    "GENERAL",
		Action:    domain.ActionHold,
		Reasoning: reasoning,
	}
}
