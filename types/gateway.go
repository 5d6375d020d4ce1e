package types

import (
	"context"
)

// Gateway is the thin HTTP client every fetcher goes through. It
// attaches the bearer credential from the session when present and maps
// HTTP failures onto the error taxonomy (ErrUnauthorized, RequestError).
type Gateway interface {
	Request(ctx context.Context, method, path string, params map[string]string, body interface{}) ([]byte, int, error)
	List(ctx context.Context, collection string, params map[string]string) ([]Record, error)
	Object(ctx context.Context, path string, params map[string]string) (Record, error)
}

// TokenSource yields the current session credential. An empty token
// means the request goes out unauthenticated.
type TokenSource interface {
	Token() string
}
