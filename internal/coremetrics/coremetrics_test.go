package coremetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestUnknownAnswerCountIncrements(t *testing.T) {
	m := New()
	require.Equal(t, float64(0), testutil.ToFloat64(m.UnknownAnswerCount))
	m.UnknownAnswerCount.Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(m.UnknownAnswerCount))
}

func TestIndependentInstancesDoNotShareState(t *testing.T) {
	a := New()
	b := New()
	a.RPCTimeoutsTotal.Inc()
	require.Equal(t, float64(1), testutil.ToFloat64(a.RPCTimeoutsTotal))
	require.Equal(t, float64(0), testutil.ToFloat64(b.RPCTimeoutsTotal))
}
