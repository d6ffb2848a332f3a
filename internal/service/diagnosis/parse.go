package diagnosis

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ashita-ai/kaizen/internal/completion"
)

var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
)

// extractJSON pulls the JSON object out of a model reply that may wrap it in
// prose or a code fence, and repairs trailing commas.
func extractJSON(text string) (gjson.Result, error) {
	s := strings.TrimSpace(text)
	if m := codeFenceRegex.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if !gjson.Valid(s) {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start < 0 || end <= start {
			return gjson.Result{}, completion.Unexpected("diagnosis: no JSON object in response: %s", truncate(text, 200))
		}
		s = s[start : end+1]
	}
	if !gjson.Valid(s) {
		s = trailingCommaRegex.ReplaceAllString(s, "$1")
	}
	if !gjson.Valid(s) {
		return gjson.Result{}, completion.Unexpected("diagnosis: malformed JSON in response: %s", truncate(text, 200))
	}
	res := gjson.Parse(s)
	if !res.IsObject() {
		return gjson.Result{}, completion.Unexpected("diagnosis: expected a JSON object, got %s", res.Type)
	}
	return res, nil
}

// stringList reads an array of strings, tolerating a bare string.
func stringList(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}
	if !r.IsArray() {
		if s := strings.TrimSpace(r.String()); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, item := range r.Array() {
		if s := strings.TrimSpace(item.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// firstString returns the first non-empty string among paths.
func firstString(obj gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := strings.TrimSpace(obj.Get(p).String()); s != "" {
			return s
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
