package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsherman999/domwatch/internal/dom"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "domwatch.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DOMWATCH_DB_DSN", "postgres://localhost/domwatch")

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", c.API.Listen)
	assert.Equal(t, TransportPostgres, c.Watcher.Transport)
	assert.Equal(t, "json", c.Watcher.Codec)
	assert.Equal(t, "incidents", c.Watcher.Module)
	assert.Equal(t, uuid.Nil, c.Watcher.DefinitionID)
	assert.Equal(t, 10*time.Second, c.Watcher.TeardownTimeout)
	assert.Equal(t, 500*time.Millisecond, c.Relay.PollInterval)
	assert.Equal(t, 100, c.DataSource.PageSize)
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
db:
  dsn: postgres://db/domwatch
watcher:
  transport: redis
  codec: cbor
  module: incidents
  definition_id: 7bc4bc92-5da6-4a72-8a19-bbd34ed90a79
  filter: Fields.impact > 2
redis:
  addr: redis:6379
relay:
  poll_interval_ms: 250
`)
	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, TransportRedis, c.Watcher.Transport)
	assert.Equal(t, "cbor", c.Watcher.Codec)
	assert.Equal(t, uuid.MustParse("7bc4bc92-5da6-4a72-8a19-bbd34ed90a79"), c.Watcher.DefinitionID)
	assert.Equal(t, "Fields.impact > 2", c.Watcher.Filter)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
	assert.Equal(t, 250*time.Millisecond, c.Relay.PollInterval)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing dsn":   "watcher:\n  transport: memory\n",
		"transport":     "db:\n  dsn: x\nwatcher:\n  transport: kafka\n",
		"codec":         "db:\n  dsn: x\nwatcher:\n  codec: xml\n",
		"definition id": "db:\n  dsn: x\nwatcher:\n  definition_id: nope\n",
		"page size":     "db:\n  dsn: x\ndatasource:\n  page_size: 1000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestWatchFilter(t *testing.T) {
	def := uuid.MustParse("7bc4bc92-5da6-4a72-8a19-bbd34ed90a79")
	c := &Config{}
	c.Watcher.Module = "incidents"

	f, err := c.WatchFilter()
	require.NoError(t, err)
	assert.True(t, f.Matches(dom.Instance{Module: "incidents", DefinitionID: uuid.New()}))

	c.Watcher.DefinitionID = def
	c.Watcher.Filter = "Fields.impact > 2"
	f, err = c.WatchFilter()
	require.NoError(t, err)
	assert.True(t, f.Matches(dom.Instance{Module: "incidents", DefinitionID: def, Fields: map[string]any{"impact": 3.0}}))
	assert.False(t, f.Matches(dom.Instance{Module: "incidents", DefinitionID: def, Fields: map[string]any{"impact": 1.0}}))
	assert.False(t, f.Matches(dom.Instance{Module: "incidents", DefinitionID: uuid.New(), Fields: map[string]any{"impact": 3.0}}))
	assert.False(t, f.Matches(dom.Instance{Module: "tickets", DefinitionID: def, Fields: map[string]any{"impact": 3.0}}))

	c.Watcher.Filter = "Fields.impact >"
	_, err = c.WatchFilter()
	require.ErrorIs(t, err, dom.ErrInvalidFilter)
}
