package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodops/jobs"
)

type stubClient struct {
	triggered []string
	closed    bool
}

func (s *stubClient) Trigger(_ context.Context, name string) (*asynq.TaskInfo, error) {
	s.triggered = append(s.triggered, name)
	return &asynq.TaskInfo{ID: "t-1", Type: name, Queue: jobs.QueueDefault}, nil
}

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
	closed    bool
}

func (s *stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, nil
}

func (s *stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, nil
}

func (s *stubInspector) Close() error {
	s.closed = true
	return nil
}

func TestTriggerKnownJob(t *testing.T) {
	client := &stubClient{}
	c := &JobsCLI{client: client, inspector: &stubInspector{}}

	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), c, []string{"trigger", jobs.TaskExpirySweep}, &out))
	require.Equal(t, []string{jobs.TaskExpirySweep}, client.triggered)
	require.Contains(t, out.String(), "enqueued stock:expiry_sweep")
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	client := &stubClient{}
	c := &JobsCLI{client: client}

	_, err := c.Trigger(context.Background(), "finance:close")
	require.ErrorContains(t, err, "unsupported job")
	require.Empty(t, client.triggered)
}

func TestStatsPrintsQueueInfo(t *testing.T) {
	c := &JobsCLI{inspector: &stubInspector{info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 3, Retry: 1}}}

	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), c, []string{"stats"}, &out))
	require.Equal(t, "queue=default pending=3 active=0 scheduled=0 retry=1\n", out.String())
}

func TestScheduledListsTasks(t *testing.T) {
	next := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	c := &JobsCLI{inspector: &stubInspector{scheduled: []*asynq.TaskInfo{
		{ID: "a", Type: jobs.TaskLowStockScan, NextProcessAt: next},
	}}}

	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), c, []string{"scheduled", "5"}, &out))
	require.Equal(t, "a stock:low_stock_scan next=2026-03-01T00:05:00Z\n", out.String())

	require.Error(t, Run(context.Background(), c, []string{"scheduled", "many"}, &out))
}

func TestRunUsageErrors(t *testing.T) {
	c := &JobsCLI{}
	require.Error(t, Run(context.Background(), c, nil, &bytes.Buffer{}))
	require.Error(t, Run(context.Background(), c, []string{"trigger"}, &bytes.Buffer{}))
	require.Error(t, Run(context.Background(), c, []string{"purge"}, &bytes.Buffer{}))
	_, err := c.InspectQueue(context.Background())
	require.Error(t, err)
}

func TestCloseReleasesBoth(t *testing.T) {
	client := &stubClient{}
	inspector := &stubInspector{}
	c := &JobsCLI{client: client, inspector: inspector}
	require.NoError(t, c.Close())
	require.True(t, client.closed)
	require.True(t, inspector.closed)
}
