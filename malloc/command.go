package malloc

import (
	"strings"
	"unicode"
)

// ParseCommand consumes match from the front of *cmd when it appears as a
// whole, case-insensitive word. Leading and trailing blanks are skipped.
func ParseCommand(cmd *string, match string) bool {
	s := strings.TrimLeftFunc(*cmd, unicode.IsSpace)
	if len(s) < len(match) || !strings.EqualFold(s[:len(match)], match) {
		return false
	}
	rest := s[len(match):]
	if rest != "" {
		r := rune(rest[0])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return false
		}
	}
	*cmd = strings.TrimLeftFunc(rest, unicode.IsSpace)
	return true
}

// ParseToken consumes and returns the next blank-delimited token of *cmd.
func ParseToken(cmd *string) string {
	s := strings.TrimLeftFunc(*cmd, unicode.IsSpace)
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		*cmd = ""
		return s
	}
	*cmd = strings.TrimLeftFunc(s[end:], unicode.IsSpace)
	return s[:end]
}
