package team

import (
	"regexp"
	"sort"
	"strings"

	"github.com/crewdhq/crewd/internal/config"
)

// Mention is a teammate hand-off extracted from an agent's reply.
type Mention struct {
	AgentID string
	Message string
}

// The two stable mention forms an agent may use in a reply:
// a bracketed hand-off anywhere in the text, and a bare mention at the
// start of a line.
//
//	[@reviewer: please double-check the diff]
//	@reviewer please double-check the diff
var (
	bracketMentionRE = regexp.MustCompile(`\[@([A-Za-z0-9_-]+):\s*([^\]]+)\]`)
	lineMentionRE    = regexp.MustCompile(`^@([A-Za-z0-9_-]+)\s+(\S.*)$`)
)

type rawMention struct {
	offset  int
	slug    string
	message string
}

// ExtractMentions scans an agent's reply for teammate hand-offs. Only
// members of the given team other than the speaking agent count;
// duplicates keep the first occurrence so one reply never enqueues two
// messages to the same teammate. Results are in encounter order.
func ExtractMentions(text, fromAgent string, tm *config.TeamConfig) []Mention {
	if tm == nil {
		return nil
	}

	var raw []rawMention
	for _, m := range bracketMentionRE.FindAllStringSubmatchIndex(text, -1) {
		raw = append(raw, rawMention{
			offset:  m[0],
			slug:    strings.ToLower(text[m[2]:m[3]]),
			message: strings.TrimSpace(text[m[4]:m[5]]),
		})
	}

	offset := 0
	for _, line := range strings.Split(text, "\n") {
		if m := lineMentionRE.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			raw = append(raw, rawMention{
				offset:  offset,
				slug:    strings.ToLower(m[1]),
				message: strings.TrimSpace(m[2]),
			})
		}
		offset += len(line) + 1
	}

	sort.SliceStable(raw, func(i, j int) bool { return raw[i].offset < raw[j].offset })

	var out []Mention
	seen := make(map[string]bool)
	from := strings.ToLower(fromAgent)
	for _, r := range raw {
		if r.slug == from || seen[r.slug] || !tm.HasMember(r.slug) {
			continue
		}
		seen[r.slug] = true
		out = append(out, Mention{AgentID: r.slug, Message: r.message})
	}
	return out
}

// StripMentions removes the bracketed hand-off tokens from a reply so
// the user-facing text does not repeat them. Line-start mentions stay:
// they read naturally as part of the conversation.
func StripMentions(text string) string {
	cleaned := bracketMentionRE.ReplaceAllString(text, "")
	lines := strings.Split(cleaned, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" && len(out) > 0 && out[len(out)-1] == "" {
			continue // collapse runs of blank lines left by removal
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
