package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Split cuts text into chunks of at most max columns. Cost per rune is
// its display width with a floor of one (runewidth reports CJK as two
// and control characters as zero), so a chunk never exceeds max runes
// and always fits platform character limits. Cuts prefer the last
// newline in the window, then the last space, then a hard rune
// boundary.
func Split(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 || textCost(text) <= max {
		return []string{text}
	}

	var chunks []string
	for text != "" {
		if textCost(text) <= max {
			chunks = append(chunks, text)
			break
		}

		cut := fitCost(text, max)
		chunk := text[:cut]

		// Prefer a natural break in the back half of the window.
		if idx := strings.LastIndexByte(chunk, '\n'); idx > cut/2 {
			chunk = text[:idx]
			text = text[idx+1:]
		} else if idx := strings.LastIndexByte(chunk, ' '); idx > cut/2 {
			chunk = text[:idx]
			text = text[idx+1:]
		} else {
			text = text[cut:]
		}

		chunks = append(chunks, chunk)
	}
	return chunks
}

// fitCost returns the byte offset after the longest prefix of s that
// costs at most max.
func fitCost(s string, max int) int {
	cost := 0
	for i, r := range s {
		c := runeCost(r)
		if cost+c > max {
			return i
		}
		cost += c
	}
	return len(s)
}

func textCost(s string) int {
	cost := 0
	for _, r := range s {
		cost += runeCost(r)
	}
	return cost
}

func runeCost(r rune) int {
	if w := runewidth.RuneWidth(r); w > 1 {
		return w
	}
	return 1
}
