package parser

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// Invisible formatting and directional characters the model sometimes
	// emits. Zero-width joiners vanish, separators become plain breaks.
	formatCharCleaner = strings.NewReplacer(
		"⁠", "", "‍", "", "﻿", "", "­", "",
		"​", " ", "‌", " ",
		" ", "\n", " ", "\n\n",
		"‪", "", "‫", "", "‬", "", "‭", "", "‮", "",
	)

	controlCharsRe = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	codeSpanRe     = regexp.MustCompile("`([^`]*)`")
	boldSpanRe     = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicSpanRe   = regexp.MustCompile(`\*([^*]+)\*`)
	manyNewlinesRe = regexp.MustCompile(`\n{3,}`)
)

// sanitizeReply flattens model-drafted text for delivery as a plain SMS or
// Telegram message: line endings become \n, control and invisible
// formatting characters go away, markdown emphasis is unwrapped, and runs
// of whitespace collapse within each line. Underscore emphasis is left
// alone so literal names and identifiers survive.
func sanitizeReply(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = formatCharCleaner.Replace(s)
	s = controlCharsRe.ReplaceAllString(s, " ")

	s = codeSpanRe.ReplaceAllString(s, "$1")
	s = boldSpanRe.ReplaceAllString(s, "$1")
	s = italicSpanRe.ReplaceAllString(s, "$1")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = collapseLineWhitespace(line)
	}
	s = strings.Join(lines, "\n")
	s = manyNewlinesRe.ReplaceAllString(s, "\n\n")

	return strings.TrimSpace(s)
}

// collapseLineWhitespace squeezes consecutive whitespace into single spaces
// and trims the line.
func collapseLineWhitespace(line string) string {
	var b strings.Builder

	space := false
	for _, r := range line {
		if unicode.IsSpace(r) {
			if !space {
				b.WriteRune(' ')
				space = true
			}
			continue
		}
		b.WriteRune(r)
		space = false
	}

	return strings.TrimSpace(b.String())
}
