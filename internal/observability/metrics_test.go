package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsExposedThroughPrometheusHandler(t *testing.T) {
	ctx := context.Background()
	handler, err := InitMeterProvider(ctx, "metrics-test")
	require.NoError(t, err)
	require.NoError(t, InitMetrics(ctx, func() int { return 3 }))

	RecordTransition(ctx, "STANDBY", "CONTEST", "TASK_APPROVED")
	RecordVote(ctx, "ENTRY", false)
	RecordPostpone(ctx, "ACCEPTED")
	RecordPremoderation(ctx, "APPROVE")
	RecordHandlerFailure(ctx, "VOTING")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "contest_transitions_total")
	assert.Contains(t, string(body), "contest_active_dialogs")
}
