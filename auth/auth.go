package auth

import (
	"net/http"
	"regexp"
)

// uids are joined with `_` into room ids, so `_` is not allowed in them.
var uidRegex = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

type Client interface {
	// Auth authenticate current user, return uid.
	Auth(r *http.Request) (string, error)
}

func ValidUid(uid string) bool {
	return uidRegex.MatchString(uid)
}
