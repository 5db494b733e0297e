package wrapper

import (
	"encoding/json"
	"regexp"
	"strings"
)

// resultBlockRe matches the first structured result block in agent output.
// (?s) lets the block span lines.
var resultBlockRe = regexp.MustCompile(`(?s)<result>(.*?)</result>`)

// ExtractResult pulls the structured result out of an agent's stdout.
//
// Agent CLIs emit a JSON envelope whose "result" field carries the
// assistant text; the result block lives inside that text. Raw stdout is
// searched as a fallback for agents that print the block directly. When
// multiple blocks are present the first one wins.
func ExtractResult(stdout string) (string, bool) {
	if text, ok := envelopeResult(stdout); ok {
		if block, ok := firstBlock(text); ok {
			return block, true
		}
	}
	return firstBlock(stdout)
}

// envelopeResult extracts the "result" string field from a JSON envelope.
func envelopeResult(stdout string) (string, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &envelope); err != nil {
		return "", false
	}
	raw, ok := envelope["result"]
	if !ok {
		return "", false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", false
	}
	return text, true
}

func firstBlock(text string) (string, bool) {
	m := resultBlockRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
