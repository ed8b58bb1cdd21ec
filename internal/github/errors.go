// internal/github/errors.go
package github

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the fetcher.
var (
	// ErrAuth is returned when GitHub rejects the token. Never retried.
	ErrAuth = errors.New("github: authentication failed, check your token")

	// ErrRetriesExhausted is returned when the per-page retry budget is spent.
	ErrRetriesExhausted = errors.New("github: retry attempts exhausted")
)

// ProtocolError is returned when the API answered successfully at the HTTP
// level but the payload carried a GraphQL error list.
type ProtocolError struct {
	Messages []string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("github: graphql errors: %s", strings.Join(e.Messages, "; "))
}
