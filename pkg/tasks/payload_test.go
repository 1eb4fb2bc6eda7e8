package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildPayload_UniqueID(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	payload := BuildPayload{
		OrchestratorKey: "tenant-a",
		PreAggID:        "hourly_events",
		RangeStart:      start,
		RangeEnd:        end,
	}

	t.Run("stable across enqueue metadata", func(t *testing.T) {
		other := payload
		other.EnqueuedAt = time.Now()
		other.SecurityContext = map[string]interface{}{"tenant": "a"}

		assert.Equal(t, payload.UniqueID(), other.UniqueID())
	})

	t.Run("distinguishes orchestrators and partitions", func(t *testing.T) {
		otherTenant := payload
		otherTenant.OrchestratorKey = "tenant-b"
		assert.NotEqual(t, payload.UniqueID(), otherTenant.UniqueID())

		otherWindow := payload
		otherWindow.RangeStart = start.Add(time.Hour)
		otherWindow.RangeEnd = end.Add(time.Hour)
		assert.NotEqual(t, payload.UniqueID(), otherWindow.UniqueID())

		bucketed := payload
		bucketed.Bucket = "eu"
		assert.NotEqual(t, payload.UniqueID(), bucketed.UniqueID())
	})
}

func TestBuildPayload_Reconstruction(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	payload := BuildPayload{
		OrchestratorKey: "tenant-a",
		PreAggID:        "daily_events",
		RangeStart:      start,
		RangeEnd:        start.Add(24 * time.Hour),
		Bucket:          "eu",
		Timezone:        "Europe/Berlin",
		DataSource:      "warehouse",
		SecurityContext: map[string]interface{}{"tenant": "a"},
	}

	t.Run("partition", func(t *testing.T) {
		part := payload.Partition()

		assert.Equal(t, "daily_events", part.PreAggID)
		assert.Equal(t, start, part.RangeStart)
		assert.Equal(t, start.Add(24*time.Hour), part.RangeEnd)
		assert.Equal(t, "eu", part.Bucket)
	})

	t.Run("request context", func(t *testing.T) {
		req := payload.RequestContext()

		assert.Equal(t, "warehouse", req.DataSource)
		assert.Equal(t, "Europe/Berlin", req.Timezone)
		assert.Equal(t, map[string]interface{}{"tenant": "a"}, req.SecurityContext)
	})
}
