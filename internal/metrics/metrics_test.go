package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.UpstreamRequest("ok")
	m.ClonePage(3, 2)
	m.IngestUpsert("inserted")
	m.SearchRequest("exact", "ok")
	m.OperationStarted("clone")()
	assert.Nil(t, m.Registry())
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ClonePage(5, 4)
	m.ClonePage(2, 0)
	done := m.OperationStarted("clone")

	assert.InDelta(t, 2, testutil.ToFloat64(m.clonePages), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(m.cloneReleases), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.cloneObjects), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.operationsActive.WithLabelValues("clone")), 0)
	done()
	assert.InDelta(t, 0, testutil.ToFloat64(m.operationsActive.WithLabelValues("clone")), 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tmr_clone_pages_total 2"))
}
