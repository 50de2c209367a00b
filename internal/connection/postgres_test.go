package connection

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsherman999/domwatch/internal/dom"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DOMWATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DOMWATCH_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresNotifyRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	conn, err := NewPostgres(ctx, pool, nil)
	require.NoError(t, err)
	defer conn.Close()

	got := make(chan Message, 4)
	conn.AddHandler(func(m Message) { got <- m })
	require.NoError(t, conn.Subscribe(ctx, "set-a", incidentsFilter()))

	inst := incident("inst42")
	require.NoError(t, conn.Publish(ctx, changed("incidents", inst)))

	m := waitMessage(t, got)
	assert.Equal(t, "set-a", m.SetID)
	ev := m.Event.(*dom.InstancesChangedEvent)
	require.Len(t, ev.Updated, 1)
	assert.Equal(t, inst.ID, ev.Updated[0].ID)

	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Subscribe(ctx, "set-b", incidentsFilter()), ErrClosed)
}
