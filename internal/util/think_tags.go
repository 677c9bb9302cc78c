package util

import (
	"regexp"
	"strings"
)

// reasoningBlock matches one <think>, <thinking>, <reasoning> or <思考> block
var reasoningBlock = regexp.MustCompile(`(?is)<(think|thinking|reasoning|思考)>(.*?)</(?:think|thinking|reasoning|思考)>`)

// SplitThinkAndAnswer separates reasoning blocks from the answer. Multiple
// blocks are joined with a blank line; the answer is what remains, trimmed.
func SplitThinkAndAnswer(response string) (thinking, answer string) {
	matches := reasoningBlock.FindAllStringSubmatchIndex(response, -1)
	if len(matches) == 0 {
		return "", strings.TrimSpace(response)
	}

	var blocks []string
	var rest strings.Builder
	prev := 0
	for _, m := range matches {
		rest.WriteString(response[prev:m[0]])
		blocks = append(blocks, strings.TrimSpace(response[m[4]:m[5]]))
		prev = m[1]
	}
	rest.WriteString(response[prev:])
	return strings.Join(blocks, "\n\n"), strings.TrimSpace(rest.String())
}

// StripThinkTags returns the answer with reasoning blocks removed
func StripThinkTags(response string) string {
	_, answer := SplitThinkAndAnswer(response)
	return answer
}
