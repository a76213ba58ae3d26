package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", Path, nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestGauges(t *testing.T) {
	SetQueueDepth(3, 5, 1)
	SetOnline(false)

	body := scrape(t)
	assert.Contains(t, body, `erpsync_queue_items{state="pending"} 3`)
	assert.Contains(t, body, `erpsync_queue_items{state="dead"} 1`)
	assert.Contains(t, body, "erpsync_online 0")

	SetOnline(true)
	assert.Contains(t, scrape(t), "erpsync_online 1")
}

func TestCountersAreExposed(t *testing.T) {
	ObserveDrain(DrainOutcome{Succeeded: 2, DeadLettered: 1})
	ObserveApply("not_found")

	body := scrape(t)
	assert.Contains(t, body, "erpsync_worker_drains_total")
	assert.Contains(t, body, `erpsync_worker_items_total{outcome="dead_lettered"}`)
	assert.Contains(t, body, `erpsync_apply_requests_total{code="not_found"}`)
}
