package router

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// "/weather ...", "ask @search about ..."
	markerRe = regexp.MustCompile(`(?:^|\s)[/@]([a-z0-9][a-z0-9_-]*)`)
	// "use weather: ..."
	useRe = regexp.MustCompile(`\buse\s+([a-z0-9][a-z0-9_-]*)\s*:`)
)

// stopWords are dropped before keyword overlap scoring.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a about above after again all am an and any are as at be because been
		before being below between both but by can could did do does doing down
		during each few for from further get give had has have having he her here
		hers him his how i if in into is it its itself just let like me more most
		my no nor not now of off on once only or other our ours out over own
		please same she should so some such tell than that the their them then
		there these they this those through to too under until up use very want
		was we were what when where which while who whom why will with would you
		your yours`) {
		stopWords[w] = struct{}{}
	}
}

// Normalize lowercases s, replaces punctuation with spaces and collapses
// whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Words splits normalized text into words.
func Words(normalized string) []string {
	return strings.Fields(normalized)
}

// Terms returns the distinct non-stop-words of s, in first-seen order.
func Terms(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range Words(Normalize(s)) {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// ExplicitNames returns capability names the text invokes directly:
// "/name" and "@name" markers first, then "use name:" forms.
func ExplicitNames(text string) []string {
	lower := strings.ToLower(text)
	var names []string
	for _, m := range markerRe.FindAllStringSubmatch(lower, -1) {
		names = append(names, m[1])
	}
	for _, m := range useRe.FindAllStringSubmatch(lower, -1) {
		names = append(names, m[1])
	}
	return names
}
