// Package sanitize contains the prompt-injection containment step required
// by spec.md §7: any text sourced from an untrusted collaborator (email
// bodies, web snippets, contact fields, file contents) must have XML-like
// tags neutralised before it is fed back into a model, except for the memory
// injector's own five tag names. SPEC_FULL.md §10 resolves the open question
// in favour of the stricter policy — escaping at every ingestion point, not
// only the memory injector and email tools.
package sanitize

import (
	"regexp"
	"strings"
)

// allowedTags are the only XML-like tags a model is ever allowed to see
// un-escaped; they are produced solely by internal/memory/injector.
var allowedTags = map[string]bool{
	"memory": true, "/memory": true,
	"facts": true, "/facts": true,
	"goals": true, "/goals": true,
	"fact": true, "/fact": true,
	"goal": true, "/goal": true,
}

// tagLike matches anything that looks like an XML/HTML tag: "<", an
// optional slash, a name, optional attributes, optional slash, ">".
var tagLike = regexp.MustCompile(`<\s*/?\s*[a-zA-Z][a-zA-Z0-9:_-]*(?:\s+[^<>]*)?/?\s*>`)

// Escape walks text and entity-escapes every tag-like token that is not one
// of the memory injector's own reserved tags. It reports whether anything
// was escaped so callers can log the first-escape-per-request warning
// spec.md §7 requires.
func Escape(text string) (escaped string, didEscape bool) {
	out := tagLike.ReplaceAllStringFunc(text, func(tag string) string {
		name := tagName(tag)
		if allowedTags[name] {
			return tag
		}
		didEscape = true
		return strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(tag)
	})
	return out, didEscape
}

func tagName(tag string) string {
	t := strings.TrimPrefix(tag, "<")
	t = strings.TrimSuffix(t, ">")
	t = strings.TrimSuffix(t, "/")
	t = strings.TrimSpace(t)
	slash := strings.HasPrefix(t, "/")
	t = strings.TrimPrefix(t, "/")
	t = strings.TrimSpace(t)
	if i := strings.IndexAny(t, " \t\n"); i >= 0 {
		t = t[:i]
	}
	t = strings.ToLower(t)
	if slash {
		return "/" + t
	}
	return t
}
