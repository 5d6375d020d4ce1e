package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalhub/fiscsync/feed"
	"github.com/fiscalhub/fiscsync/query"
	"github.com/fiscalhub/fiscsync/types"
)

var serviceUpgrader = websocket.Upgrader{}

func writeServiceConfig(t *testing.T, apiOrigin, wsOrigin string) string {
	t.Helper()

	content := `
name: fiscsync-test
logger:
  level: error
gateway:
  origin: "` + apiOrigin + `"
channel:
  origin: "` + wsOrigin + `"
  max_attempts: 2
`
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestServiceLifecycle(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer api.Close()

	path := writeServiceConfig(t, api.URL, "ws://localhost:0")

	svc, err := NewService(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, svc.Start())
	assert.True(t, svc.IsRunning())
	assert.ErrorIs(t, svc.Start(), types.ErrServiceIsRunning)

	require.NoError(t, svc.Stop())
	assert.False(t, svc.IsRunning())
	assert.ErrorIs(t, svc.Stop(), types.ErrServiceIsNotRunning)
}

func TestServiceRegisterAndFetch(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1","amount":500}]`))
	}))
	defer api.Close()

	push := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := serviceUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer push.Close()

	path := writeServiceConfig(t, api.URL, "ws"+strings.TrimPrefix(push.URL, "http"))

	svc, err := NewService(context.Background(), path)
	require.NoError(t, err)

	f, err := svc.Register(feed.Transactions(svc.Gateway(), nil), query.Options{Enabled: true})
	require.NoError(t, err)

	_, err = svc.Register(feed.Transactions(svc.Gateway(), nil), query.Options{Enabled: true})
	assert.ErrorIs(t, err, types.ErrQueryKeyExists, "duplicate feed registration is rejected")

	require.NoError(t, svc.Start())
	defer func() { _ = svc.Stop() }()

	entry, err := f.Query.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, entry.Status)

	records, ok := entry.Value.([]types.Record)
	require.True(t, ok)
	require.Len(t, records, 1)
	assert.Equal(t, "1", records[0].ID())

	found, err := svc.Feed("transactions")
	require.NoError(t, err)
	assert.Same(t, f, found)

	_, err = svc.Feed("unknown")
	assert.ErrorIs(t, err, types.ErrComponentNotFound)
}

func TestNewServiceBadConfigPath(t *testing.T) {
	_, err := NewService(context.Background(), "/nonexistent/config.yml")
	assert.Error(t, err)
}
