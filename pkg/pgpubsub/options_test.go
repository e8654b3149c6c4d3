package pgpubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	d := DefaultOptions()

	assert.Equal(t, defaultRetryDelay, d.RetryDelay)
	assert.Equal(t, defaultAcquireInterval, d.AcquireInterval)
	assert.Equal(t, "pgip_lock", d.SchemaName)
	assert.Equal(t, defaultShutdownTimeout, d.ShutdownTimeout)
	assert.True(t, d.singleListener())
}

func TestWithDefaults_FillsOnlyZeroFields(t *testing.T) {
	opts := Options{
		ConnString: "postgres://x",
		RetryDelay: 5 * time.Second,
	}

	got := withDefaults(opts)

	assert.Equal(t, 5*time.Second, got.RetryDelay)
	assert.Equal(t, defaultAcquireInterval, got.AcquireInterval)
	assert.Equal(t, "pgip_lock", got.SchemaName)
	assert.True(t, got.singleListener())
}

func TestOptions_SingleListenerExplicitFalse(t *testing.T) {
	f := false
	opts := withDefaults(Options{SingleListener: &f})
	assert.False(t, opts.singleListener())
}
