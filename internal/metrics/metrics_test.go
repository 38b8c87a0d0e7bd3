package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDecision(t *testing.T) {
	before := testutil.ToFloat64(gateDecisions.WithLabelValues("block", "true"))
	RecordDecision("block", true)
	assert.Equal(t, before+1, testutil.ToFloat64(gateDecisions.WithLabelValues("block", "true")))
}

func TestObserveStage_CountsOverruns(t *testing.T) {
	before := testutil.ToFloat64(stageOverruns.WithLabelValues("validate"))
	ObserveStage("validate", time.Millisecond, 5*time.Millisecond)
	ObserveStage("validate", 6*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(stageOverruns.WithLabelValues("validate")))
}

func TestRecordDiscovery(t *testing.T) {
	errBefore := testutil.ToFloat64(discoveryRuns.WithLabelValues("error"))
	detBefore := testutil.ToFloat64(attractorsFound.WithLabelValues("detrimental"))

	RecordDiscovery(time.Second, errors.New("boom"), nil)
	RecordDiscovery(time.Second, nil, []string{"detrimental", "detrimental", "beneficial"})

	assert.Equal(t, errBefore+1, testutil.ToFloat64(discoveryRuns.WithLabelValues("error")))
	assert.Equal(t, detBefore+2, testutil.ToFloat64(attractorsFound.WithLabelValues("detrimental")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	RecordTimeout("block_on_timeout")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "phasegate_gate_timeouts_total"))
}
