package chat

import (
	"strings"
	"unicode/utf8"
)

const maxTopicRunes = 60

// deriveTopic names a chat from its first user message: first non-blank line,
// whitespace collapsed, cut at a word boundary.
func deriveTopic(userContent string) string {
	line := ""
	for _, l := range strings.Split(userContent, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}
	line = strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(line) <= maxTopicRunes {
		return line
	}
	runes := []rune(line)
	cut := string(runes[:maxTopicRunes])
	if i := strings.LastIndex(cut, " "); i > maxTopicRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "..."
}

// cleanModelTopic trims quotes and punctuation a model tends to wrap a title in.
func cleanModelTopic(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*#. ")
	words := strings.Fields(s)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}
