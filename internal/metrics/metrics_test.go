package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	require.NotPanics(t, Register)
	require.NotPanics(t, Register)

	StateRepairsTotal.Inc()
	found := false
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "parcelwatch_state_repairs_total" {
			found = true
		}
	}
	require.True(t, found)
}
