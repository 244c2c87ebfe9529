// Package filter rejects release candidates matching a configured denylist.
package filter

import (
	"strings"

	"github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/internal/normalize"
)

// Filter holds the lowercased denylist terms. A candidate is rejected when
// any term appears as a case-insensitive substring of its title or
// description, or matches one of its tags.
type Filter struct {
	terms []string
}

func New(denylist []string) *Filter {
	terms := make([]string, 0, len(denylist))
	for _, t := range denylist {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}
	return &Filter{terms: terms}
}

// Allow reports whether the candidate passes the policy.
func (f *Filter) Allow(c normalize.Candidate) bool {
	if len(f.terms) == 0 {
		return true
	}
	title := strings.ToLower(c.WorkTitle)
	desc := strings.ToLower(c.Description)
	for _, term := range f.terms {
		if strings.Contains(title, term) || strings.Contains(desc, term) {
			return false
		}
		for _, tag := range c.Tags {
			if strings.Contains(strings.ToLower(tag), term) {
				return false
			}
		}
	}
	return true
}

// Apply keeps passing candidates and counts rejections. Rejected candidates
// are never persisted anywhere.
func (f *Filter) Apply(in []normalize.Candidate) (kept []normalize.Candidate, rejected int) {
	kept = make([]normalize.Candidate, 0, len(in))
	for _, c := range in {
		if f.Allow(c) {
			kept = append(kept, c)
		} else {
			rejected++
		}
	}
	return kept, rejected
}
