package helpers

import "strings"

// SplitEmailAddress splits an address at its last "@" and lowercases both parts.
// ok is false when either part is empty.
func SplitEmailAddress(email string) (localPart, domain string, ok bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	return email[:at], email[at+1:], true
}
