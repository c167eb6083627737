// Package routing decides which agent or team a message addresses.
// Resolution looks only at @mention tokens in the text; it never
// touches the queue or the network, so the same inputs always produce
// the same result.
package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crewdhq/crewd/internal/config"
)

// Resolution kinds.
const (
	KindAgent      = "agent"        // route to a single agent
	KindTeamLeader = "team_leader"  // team mention, routed to its leader
	KindErrorMulti = "error_multi"  // two or more resolved targets
)

// Resolution is the outcome of resolving a message text.
type Resolution struct {
	Kind    string
	AgentID string             // agent to invoke (KindAgent, KindTeamLeader)
	Text    string             // prompt with the leading mention stripped
	Team    *config.TeamConfig // set for KindTeamLeader
	Reply   string             // user-facing explanation for KindErrorMulti
}

// Resolve maps a message text onto a target.
//
//  1. Every @slug token in the text is checked against agent and team
//     ids (case-folded). Two or more distinct resolved slugs make the
//     message ambiguous: KindErrorMulti with a reply asking the sender
//     to split it up.
//  2. A text starting with "@slug" routes to that slug when it matches
//     an agent id, a team id, or an agent display name — in that
//     precedence order. The mention is stripped from the prompt.
//  3. Anything else goes to the default agent with the full text.
//
// Unknown @slugs are plain text: they neither route nor count toward
// the multi-target check.
func Resolve(text string, agents map[string]*config.AgentConfig, teams map[string]*config.TeamConfig) Resolution {
	trimmed := strings.TrimSpace(text)

	if mentions := resolvedMentions(trimmed, agents, teams); len(mentions) >= 2 {
		return Resolution{Kind: KindErrorMulti, Reply: multiTargetReply(mentions)}
	}

	if strings.HasPrefix(trimmed, "@") {
		token := trimmed[1:]
		rest := ""
		if idx := strings.IndexFunc(token, isSpace); idx >= 0 {
			rest = strings.TrimSpace(token[idx:])
			token = token[:idx]
		}
		slug := mentionSlug(token)
		if slug != "" && slug == token { // reject "@slug," style leading tokens
			if id, ok := matchAgentID(slug, agents); ok {
				return Resolution{Kind: KindAgent, AgentID: id, Text: rest}
			}
			if tm, ok := matchTeamID(slug, teams); ok {
				return Resolution{Kind: KindTeamLeader, AgentID: tm.LeaderAgent, Text: rest, Team: tm}
			}
			if id, ok := matchAgentName(slug, agents); ok {
				return Resolution{Kind: KindAgent, AgentID: id, Text: rest}
			}
		}
	}

	return Resolution{Kind: KindAgent, AgentID: defaultAgentID(agents), Text: trimmed}
}

// resolvedMentions returns the distinct @slugs in the text that name a
// known agent or team, in encounter order.
func resolvedMentions(text string, agents map[string]*config.AgentConfig, teams map[string]*config.TeamConfig) []string {
	var found []string
	seen := make(map[string]bool)
	for _, field := range strings.Fields(text) {
		if !strings.HasPrefix(field, "@") {
			continue
		}
		slug := strings.ToLower(mentionSlug(field[1:]))
		if slug == "" || seen[slug] {
			continue
		}
		if _, ok := matchAgentID(slug, agents); !ok {
			if _, ok := matchTeamID(slug, teams); !ok {
				continue
			}
		}
		seen[slug] = true
		found = append(found, slug)
	}
	return found
}

func multiTargetReply(mentions []string) string {
	tagged := make([]string, len(mentions))
	for i, m := range mentions {
		tagged[i] = "@" + m
	}
	return fmt.Sprintf(
		"You mentioned several targets (%s) in one message. I can only route to one at a time — please send a separate message to each.",
		strings.Join(tagged, ", "),
	)
}

// mentionSlug returns the leading run of slug characters in s. A slug
// is letters, digits, '-' and '_'; anything else (",", ":", ...) ends
// the mention.
func mentionSlug(s string) string {
	for i, r := range s {
		if !isSlugRune(r) {
			return s[:i]
		}
	}
	return s
}

func isSlugRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func matchAgentID(slug string, agents map[string]*config.AgentConfig) (string, bool) {
	for id := range agents {
		if strings.EqualFold(id, slug) {
			return id, true
		}
	}
	return "", false
}

func matchTeamID(slug string, teams map[string]*config.TeamConfig) (*config.TeamConfig, bool) {
	for id, tm := range teams {
		if strings.EqualFold(id, slug) {
			return tm, true
		}
	}
	return nil, false
}

func matchAgentName(slug string, agents map[string]*config.AgentConfig) (string, bool) {
	// Deterministic when two agents share a display name.
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.EqualFold(agents[id].DisplayName(), slug) {
			return id, true
		}
	}
	return "", false
}

// defaultAgentID mirrors config.ResolveDefaultAgentID on a bare agents
// map: prefer the "default" entry, else the first id in lexical order.
func defaultAgentID(agents map[string]*config.AgentConfig) string {
	if _, ok := agents[config.DefaultAgentID]; ok {
		return config.DefaultAgentID
	}
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		return ids[0]
	}
	return config.DefaultAgentID
}
