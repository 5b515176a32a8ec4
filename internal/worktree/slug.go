package worktree

import "strings"

// Slug derives the path segment for a branch: lowercased, with every
// character outside [a-z0-9._-] replaced by '-'.
func Slug(branch string) string {
	lower := strings.ToLower(branch)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
