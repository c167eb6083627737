package dispatch

import (
	"regexp"
	"strings"
)

var (
	fileDirectiveRE = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)
	blankRunRE      = regexp.MustCompile(`\n{3,}`)
)

// ExtractFileDirectives removes [send_file: <path>] tokens from an
// agent's answer and returns the cleaned text plus the referenced paths,
// deduplicated in first-seen order.
func ExtractFileDirectives(text string) (string, []string) {
	matches := fileDirectiveRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var files []string
	seen := make(map[string]bool)
	for _, m := range matches {
		path := strings.TrimSpace(m[1])
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		files = append(files, path)
	}

	cleaned := fileDirectiveRE.ReplaceAllString(text, "")
	cleaned = blankRunRE.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned), files
}
