// Package session holds the bearer credential shared by the gateway and
// push channels.
package session

import (
	"os"
	"sync/atomic"
)

const EnvToken = "FISCSYNC_TOKEN"

// legacy deployments export the credential under either name
var fallbackEnvKeys = []string{"TOKEN", "AUTH_TOKEN"}

// Store is a concurrency-safe holder for the active session token. An
// empty token means requests go out unauthenticated.
type Store struct {
	token atomic.Pointer[string]
}

func NewStore(token string) *Store {
	s := &Store{}
	s.token.Store(&token)
	return s
}

// NewStoreFromEnv bootstraps the token from FISCSYNC_TOKEN, falling back
// to the legacy TOKEN and AUTH_TOKEN variables.
func NewStoreFromEnv() *Store {
	token := os.Getenv(EnvToken)
	for _, key := range fallbackEnvKeys {
		if token != "" {
			break
		}
		token = os.Getenv(key)
	}
	return NewStore(token)
}

func (s *Store) Token() string {
	if p := s.token.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Store) Set(token string) {
	s.token.Store(&token)
}

func (s *Store) Clear() {
	s.Set("")
}
