package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/notifier"
)

func TestBuildMessageAddsAttributesForJobEvents(t *testing.T) {
	t.Parallel()

	job := analysis.Job{
		ID:         "job-1",
		OwnerID:    "owner-1",
		WebsiteURL: "https://example.com",
		Status:     analysis.StatusFailed,
		Error:      "cancelled",
	}
	msg, err := buildMessage(notifier.FromJob(job, time.Unix(0, 0)))
	require.NoError(t, err)
	require.Equal(t, "failed", msg.Attributes["status"])
	require.Equal(t, "owner-1", msg.Attributes["owner_id"])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, "job-1", decoded["jobId"])
	require.Equal(t, "cancelled", decoded["error"])
}

func TestBuildMessagePlainPayload(t *testing.T) {
	t.Parallel()

	msg, err := buildMessage(map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Nil(t, msg.Attributes)

	_, err = buildMessage(make(chan int))
	require.Error(t, err)
}

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "topic", "payload")
	require.Error(t, err)
}
