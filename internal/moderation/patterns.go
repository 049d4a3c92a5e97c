package moderation

import (
	"log"
	"regexp"
	"strings"
)

// matches reports whether sender matches any entry in patterns. Three entry
// forms are understood:
//
//   - a plain address, compared case-insensitively;
//   - a ^-prefixed regular expression, matched case-insensitively with
//     search semantics;
//   - @listname, true when sender is a member of that list on this site.
//
// Plain addresses are checked first, so an exact entry wins regardless of
// where it sits relative to the regexps. A malformed regexp is logged and
// treated as non-matching. A pattern referring to the list itself is
// rejected and logged, since membership was already ruled out upstream.
func (p *Pipeline) matches(sender string, patterns []string) bool {
	return MatchPattern(sender, patterns, p.list)
}

// SiblingResolver resolves @listname pattern references. List satisfies it.
type SiblingResolver interface {
	Name() string
	SiblingHasMember(listname, addr string) bool
}

// MatchPattern implements the pattern semantics described on
// Pipeline.matches against an explicit resolver.
func MatchPattern(sender string, patterns []string, lists SiblingResolver) bool {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return false
	}

	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" || strings.HasPrefix(pat, "^") || strings.HasPrefix(pat, "@") {
			continue
		}
		if strings.EqualFold(pat, sender) {
			return true
		}
	}

	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		switch {
		case strings.HasPrefix(pat, "^"):
			re, err := regexp.Compile("(?i)" + pat)
			if err != nil {
				log.Printf("moderation: bad address pattern %q: %v", pat, err)
				continue
			}
			if re.MatchString(sender) {
				return true
			}
		case strings.HasPrefix(pat, "@"):
			name := strings.ToLower(pat[1:])
			if name == "" {
				continue
			}
			if lists != nil && name == strings.ToLower(lists.Name()) {
				log.Printf("moderation: list %s refers to itself in an address pattern", name)
				continue
			}
			if lists != nil && lists.SiblingHasMember(name, sender) {
				return true
			}
		}
	}
	return false
}
