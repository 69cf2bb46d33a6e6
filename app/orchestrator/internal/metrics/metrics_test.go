package metrics

import (
	"errors"
	"testing"
	"time"

	xprom "github.com/lk2023060901/xplay/pkg/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	c, err := xprom.New(&xprom.Config{Namespace: "xplay_test"})
	require.NoError(t, err)
	m := New(c)

	m.SessionStarted("resolving")
	m.Transition("resolving", "launching", false)
	m.Transition("launching", "failed", false)
	m.Transition("failed", "terminated", true)
	m.Failure("LAUNCH_FAILED")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.started))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitions.WithLabelValues("resolving", "launching")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.failures.WithLabelValues("LAUNCH_FAILED")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.sessions.WithLabelValues("resolving")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.sessions.WithLabelValues("failed")))

	m.PairingAttempt("h1", "paired")
	m.CatalogSync("h1", 20*time.Millisecond, nil)
	m.CatalogSync("h1", time.Millisecond, errors.New("boom"))
	m.HostStop("acked")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.pairing.WithLabelValues("paired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.syncs.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.hostStops.WithLabelValues("acked")))
}
