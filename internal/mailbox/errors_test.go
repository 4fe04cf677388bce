package mailbox

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAuthErrorSeesThroughWrapping(t *testing.T) {
	authErr := &AuthError{Username: "box@example.com", Message: "invalid credentials"}
	wrapped := fmt.Errorf("opening mailbox session: %w", authErr)

	assert.True(t, IsAuthError(wrapped))
	assert.False(t, IsAuthError(fmt.Errorf("connection refused")))
	assert.Contains(t, authErr.Error(), "box@example.com")
}
