package auth

import (
	"fmt"
	"regexp"
	"strings"
)

var usernameStrip = regexp.MustCompile(`[^a-z0-9-]`)

// maxUsernameLen keeps derived names within the bouncer's account limits.
const maxUsernameLen = 32

// Normalize derives a bouncer-safe username from a verified email address:
// the local part is lowercased, every character outside [a-z0-9-] is
// removed, and the result is truncated to 32 characters.
//
// The domain is dropped, so the mapping is not injective across domains:
// "john@a.com" and "john@b.com" collide, as do "jo.hn@x" and "john@x".
// Admission is first-come by username; an identity whose local part
// normalizes to empty is rejected outright instead of being mapped to a
// shared fallback name.
func Normalize(email string) (string, error) {
	local, _, _ := strings.Cut(email, "@")
	cleaned := usernameStrip.ReplaceAllString(strings.ToLower(local), "")
	if cleaned == "" {
		return "", fmt.Errorf("email %q yields an empty username", email)
	}
	if len(cleaned) > maxUsernameLen {
		cleaned = cleaned[:maxUsernameLen]
	}
	return cleaned, nil
}
