package mailbox

import (
	"errors"
	"fmt"
)

// AuthError indicates that the IMAP server rejected the login. It is
// a cycle-fatal connectivity failure, distinct from a malformed
// message or an empty inbox.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error for %s: %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
