package db

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolStatsCollector_Describe(t *testing.T) {
	collector := NewPoolStatsCollector(nil, "canonid", "canonid")

	ch := make(chan *prometheus.Desc, 10)
	collector.Describe(ch)
	close(ch)

	var names []string
	for desc := range ch {
		names = append(names, desc.String())
	}
	require.Len(t, names, 5)

	expected := []string{
		"canonid_db_pool_total_conns",
		"canonid_db_pool_idle_conns",
		"canonid_db_pool_acquired_conns",
		"canonid_db_pool_max_conns",
		"canonid_db_pool_empty_acquire_total",
	}
	for i, want := range expected {
		assert.True(t, strings.Contains(names[i], want), "descriptor %d = %s", i, names[i])
		assert.Contains(t, names[i], `database="canonid"`)
	}
}

func TestPoolStatsCollector_CollectNilPool(t *testing.T) {
	collector := NewPoolStatsCollector(nil, "canonid", "canonid")
	assert.Equal(t, 0, testutil.CollectAndCount(collector))
}

func TestRegisterPoolStats(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := RegisterPoolStats(nil, "canonid", "canonid", reg)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Same descriptors a second time is tolerated.
	second, err := RegisterPoolStats(nil, "canonid", "canonid", reg)
	require.NoError(t, err)
	assert.NotNil(t, second)
}

func TestPoolStatsCollector_Lint(t *testing.T) {
	problems, err := testutil.CollectAndLint(NewPoolStatsCollector(nil, "canonid", "canonid"))
	require.NoError(t, err)
	assert.Empty(t, problems)
}
