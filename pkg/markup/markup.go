// Package markup translates Markdown, as an Agent is likely to produce
// it, into the chat platform's own lightweight markup dialect.
package markup

import (
	"regexp"
	"strings"
)

var (
	fenceOpen = regexp.MustCompile("^```[a-zA-Z0-9_+-]*\\s*$")
	linkRe    = regexp.MustCompile(`\[([^\]]*)\]\(([^)]*)\)`)
	headingRe = regexp.MustCompile(`^(#{1,6}) (.+)$`)
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikeRe  = regexp.MustCompile(`~~(.+?)~~`)
	hrRe      = regexp.MustCompile(`^(-{3,}|\*{3,}|_{3,})$`)
	bulletRe  = regexp.MustCompile(`^(\s*)([-*]) (.*)$`)
)

// hrGlyph is three em-dashes, the chat platform's nearest equivalent to
// a Markdown horizontal rule.
const hrGlyph = "———"

// Translate converts text from Markdown to the chat platform's markup,
// leaving the interior of fenced code blocks untouched (only the
// opening fence's language tag is stripped). It is idempotent on input
// with no Markdown tokens.
func Translate(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))

	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inFence && fenceOpen.MatchString(trimmed) {
			out = append(out, "```")
			inFence = true
			continue
		}
		if inFence {
			if trimmed == "```" {
				out = append(out, "```")
				inFence = false
				continue
			}
			out = append(out, line)
			continue
		}
		out = append(out, translateLine(line))
	}
	return strings.Join(out, "\n")
}

func translateLine(line string) string {
	line = escapeEntities(line)
	line = linkRe.ReplaceAllString(line, "<$2|$1>")

	if m := headingRe.FindStringSubmatch(line); m != nil {
		line = "*" + m[2] + "*"
	}

	line = boldRe.ReplaceAllString(line, "*$1*")
	line = strikeRe.ReplaceAllString(line, "~$1~")

	if hrRe.MatchString(strings.TrimSpace(line)) {
		return hrGlyph
	}

	if m := bulletRe.FindStringSubmatch(line); m != nil {
		return m[1] + "• " + m[3]
	}

	return line
}

func escapeEntities(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return s
}
