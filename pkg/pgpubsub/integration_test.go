package pgpubsub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nibbleworks/pgpubsub/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIntegration_Failover drives two independent PubSub instances against
// one shared schema and verifies that when the channel's lock holder
// releases (a clean Unlisten here, standing in for "disconnect and reap"),
// the other instance's onRelease fires, it wins the lock, and a subsequent
// Notify reaches it. AcquireInterval is left far longer than the assertion's
// own timeout, so a pass here can only be explained by the release
// notification driving the re-acquire, not the silent-loss cover timer.
// This is the only scenario that needs a live Postgres — every other
// component is exercised with fakes.
func TestIntegration_Failover(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a live Postgres; skipped with -short")
	}

	baseConnStr := util.GetBaseConnectionString(t)
	schema := util.GenerateSchemaName(t)
	connStr := util.AddSearchPathToConnString(baseConnStr, schema)

	newPubSub := func(t *testing.T) *PubSub {
		opts := DefaultOptions()
		opts.ConnString = connStr
		opts.SchemaName = schema
		opts.AcquireInterval = time.Minute
		p := New(opts)
		require.NoError(t, p.Connect(context.Background()))
		t.Cleanup(func() { _ = p.Destroy(context.Background()) })
		return p
	}

	a := newPubSub(t)
	b := newPubSub(t)

	const channel = "C"
	require.NoError(t, a.Listen(context.Background(), channel))
	require.NoError(t, b.Listen(context.Background(), channel))

	assert.True(t, a.IsActive(channel))
	assert.False(t, b.IsActive(channel))

	var bReceived atomic.Bool
	b.On(channel, func(args ...any) { bReceived.Store(true) })

	require.NoError(t, a.Unlisten(context.Background(), channel))

	require.Eventually(t, func() bool {
		return b.IsActive(channel)
	}, 5*time.Second, 50*time.Millisecond, "b should win the lock via the release notification well before its acquire timer would fire")

	require.NoError(t, b.Notify(context.Background(), channel, map[string]string{"a": "b"}))

	require.Eventually(t, func() bool {
		return bReceived.Load()
	}, 5*time.Second, 50*time.Millisecond, "b should receive its own notification as the live listener")
}
