package stats

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayCountsSub(t *testing.T) {
	a := RelayCounts{Received: 5, Sent: 3, Dropped: 2}
	b := RelayCounts{Received: 2, Sent: 3}
	assert.Equal(t, RelayCounts{Received: 3, Dropped: 2}, a.Sub(b))
	assert.True(t, a.Sub(a).IsZero())
}

func TestRegistryConcurrentAdd(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncActive()
			for j := 0; j < 100; j++ {
				r.AddRelay(RelayCounts{Sent: 1, Dropped: 1})
			}
			r.DecActive()
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.EqualValues(t, 1600, snap.Relay.Sent)
	assert.EqualValues(t, 1600, snap.Relay.Dropped)
	assert.EqualValues(t, 0, snap.ActiveBridges)
	assert.EqualValues(t, 16, snap.TotalBridges)
}

func TestEventRingIsBounded(t *testing.T) {
	r := New()
	for i := 0; i < defaultMaxEvents+10; i++ {
		r.RecordUpload("p", "", "ok")
	}
	r.RecordUpload("p", "path_safety", "../x")

	snap := r.Snapshot()
	assert.Len(t, snap.Events, defaultMaxEvents)
	assert.Equal(t, "upload_path_safety", snap.Events[len(snap.Events)-1].Kind)
	assert.EqualValues(t, defaultMaxEvents+10, snap.UploadsOK)
	assert.EqualValues(t, 1, snap.UploadsFailed)
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	r.IncActive()
	r.AddRelay(RelayCounts{Sent: 1})
	r.RecordUpload("p", "", "")
	assert.Equal(t, Snapshot{}, r.Snapshot())
}

func TestHandleStats(t *testing.T) {
	r := New()
	r.SetSessionCounter(func() int64 { return 3 })
	r.AddRelay(RelayCounts{Results: 4})

	rec := httptest.NewRecorder()
	r.HandleStats(rec, httptest.NewRequest("GET", "/api/stats", nil))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.EqualValues(t, 3, snap.ActiveSessions)
	assert.EqualValues(t, 4, snap.Relay.Results)
}
