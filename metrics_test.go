package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordsPerEndpoint(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	assert.Empty(t, snap.Endpoints)

	m.RecordCall("commit", 1024, 16, 1_000_000, true)
	m.RecordCall("commit", 512, 16, 2_000_000, true)
	m.RecordCall("lookup", 64, 32, 500_000, false)

	snap = m.Snapshot()
	assert.Len(t, snap.Endpoints, 2)

	var commit, lookup *EndpointSnapshot
	for i := range snap.Endpoints {
		switch snap.Endpoints[i].Logical {
		case "commit":
			commit = &snap.Endpoints[i]
		case "lookup":
			lookup = &snap.Endpoints[i]
		}
	}

	if assert.NotNil(t, commit) {
		assert.EqualValues(t, 2, commit.Calls)
		assert.EqualValues(t, 0, commit.Errors)
		assert.EqualValues(t, 1536, commit.BytesSent)
		assert.EqualValues(t, 1_500_000, commit.AvgLatencyNs)
	}
	if assert.NotNil(t, lookup) {
		assert.EqualValues(t, 1, lookup.Calls)
		assert.EqualValues(t, 1, lookup.Errors)
	}
}

func TestMetricsUptimeAdvancesUntilStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap.UptimeNs, uint64(10*time.Millisecond))

	m.Stop()
	frozen := m.Snapshot().UptimeNs
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, frozen, m.Snapshot().UptimeNs)
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveCall("execute", 8, 1, 1_000_000, true)

	snap := m.Snapshot()
	if assert.Len(t, snap.Endpoints, 1) {
		assert.Equal(t, "execute", snap.Endpoints[0].Logical)
		assert.EqualValues(t, 1, snap.Endpoints[0].Calls)
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	var obs NoOpObserver
	obs.ObserveCall("lookup", 1, 1, 1, true)
}

func TestMetricsPercentilesWithSkewedLatencies(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 50; i++ {
		m.RecordCall("commit", 8, 1, 500_000, true)
	}
	for i := 0; i < 49; i++ {
		m.RecordCall("commit", 8, 1, 5_000_000, true)
	}
	m.RecordCall("commit", 8, 1, 50_000_000, true)

	snap := m.Snapshot()
	commit := snap.Endpoints[0]
	assert.EqualValues(t, 100, commit.Calls)
	assert.GreaterOrEqual(t, commit.LatencyP99Ns, uint64(5_000_000))
	assert.LessOrEqual(t, commit.LatencyP50Ns, uint64(1_000_000))
}
