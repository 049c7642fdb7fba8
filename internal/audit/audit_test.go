package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEventWithoutSink(t *testing.T) {
	svc := NewService(nil, "")
	ctx := WithRequestID(context.Background(), "req-1")

	ev := &AuditEvent{EventType: EventMigration, Action: "RUN", Resource: "migration", Status: "success"}
	require.NoError(t, svc.LogEvent(ctx, ev))

	assert.Equal(t, "req-1", ev.RequestID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestQueryEventsWithoutSink(t *testing.T) {
	_, err := NewService(nil, "").QueryEvents(context.Background(), nil, 0, 10)
	assert.ErrorIs(t, err, ErrSinkUnavailable)
}

func TestNewClientWithoutAddresses(t *testing.T) {
	client, err := NewClient(nil, "", "")
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestBuildQueryFilters(t *testing.T) {
	must := buildQueryFilters(map[string]interface{}{"resource": "doctor"})
	require.Len(t, must, 1)
	assert.Equal(t, map[string]interface{}{"resource": "doctor"}, must[0]["match"])
	assert.Empty(t, buildQueryFilters(nil))
}
