//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConcurrentSameEventFanOut submits the same event_id from many
// concurrent sessions. Exactly one row must survive; everything else is
// skipped as a duplicate somewhere along the claim/insert path.
func TestConcurrentSameEventFanOut(t *testing.T) {
	cleanupState(t)

	const sessions = 100

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < sessions; i++ {
		conn := dialEvents(t, primaryServer())
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			<-start
			payload, _ := jsonFrame("E1", "t", map[string]any{})
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}(conn)
	}
	close(start)
	wg.Wait()

	waitForRowCount(t, "E1", 1, 10*time.Second)
	settle()
	assert.Equal(t, 1, countRows(t, "E1"), "fan-out must persist exactly one row")
}

// TestMultiInstanceSingleRow submits the same event_id once to each gateway
// instance. Requires TEST_SERVER_URLS with at least two entries.
func TestMultiInstanceSingleRow(t *testing.T) {
	if len(testServers) < 2 {
		t.Skip("Set TEST_SERVER_URLS with multiple gateway instances to run this test")
	}
	cleanupState(t)

	var wg sync.WaitGroup
	for _, server := range testServers {
		conn := dialEvents(t, server)
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			payload, _ := jsonFrame("M1", "t", map[string]any{})
			_ = conn.WriteMessage(websocket.TextMessage, payload)
		}(conn)
	}
	wg.Wait()

	waitForRowCount(t, "M1", 1, 10*time.Second)
	settle()
	assert.Equal(t, 1, countRows(t, "M1"), "instances must agree on a single row")
}

// TestForcedPersistFailureThenRetry drives the documented failure drill: a
// force_fail submission must persist nothing and release its claim, so a
// later clean retry of the same event_id succeeds.
func TestForcedPersistFailureThenRetry(t *testing.T) {
	cleanupState(t)

	conn := dialEvents(t, primaryServer())

	sendFrame(t, conn, "F1", "t", map[string]any{"force_fail": true})
	settle()
	assert.Equal(t, 0, countRows(t, "F1"), "forced failure must not persist a row")

	// The claim must have been released, not left to the 5-minute TTL
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := redisClient.Exists(ctx, "dedup:F1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "claim must be released after persist failure")

	time.Sleep(2 * time.Second)
	sendFrame(t, conn, "F1", "t", map[string]any{"force_fail": false})

	waitForRowCount(t, "F1", 1, 10*time.Second)

	// The persisted payload is that of the successful attempt
	var forced bool
	err = testPool.QueryRow(ctx,
		"SELECT (payload->>'force_fail')::bool FROM events WHERE event_id = $1", "F1").Scan(&forced)
	require.NoError(t, err)
	assert.False(t, forced)
}

// TestInvalidFrameSkip sends a malformed frame followed by a valid one on
// the same session; the session must survive and the valid event persist.
func TestInvalidFrameSkip(t *testing.T) {
	cleanupState(t)

	conn := dialEvents(t, primaryServer())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{this is not json`)))
	sendFrame(t, conn, "V1", "t", map[string]any{})

	waitForRowCount(t, "V1", 1, 10*time.Second)

	// Session is still open: a further event on the same connection works
	sendFrame(t, conn, "V2", "t", map[string]any{})
	waitForRowCount(t, "V2", 1, 10*time.Second)
}

// TestMissingEventIDDropped verifies no claim and no row result from a
// frame without an event_id.
func TestMissingEventIDDropped(t *testing.T) {
	cleanupState(t)

	conn := dialEvents(t, primaryServer())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event_type":"t","payload":{}}`)))
	settle()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var total int
	require.NoError(t, testPool.QueryRow(ctx, "SELECT count(*) FROM events").Scan(&total))
	assert.Zero(t, total)

	keys, err := redisClient.Keys(ctx, "dedup:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys, "no claim may be created for an invalid event")
}

// TestIdempotentResubmission replays the same event_id sequentially; the
// row count must stay at one and the claim must still be held (success
// keeps the claim until TTL).
func TestIdempotentResubmission(t *testing.T) {
	cleanupState(t)

	conn := dialEvents(t, primaryServer())
	for i := 0; i < 5; i++ {
		sendFrame(t, conn, "R1", "t", map[string]any{"attempt": i})
	}

	waitForRowCount(t, "R1", 1, 10*time.Second)
	settle()
	assert.Equal(t, 1, countRows(t, "R1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := redisClient.Exists(ctx, "dedup:R1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists, "claim is held until TTL after success")
}

// TestDistinctEventsSameSession streams 100 distinct event_ids over one
// session and expects 100 rows.
func TestDistinctEventsSameSession(t *testing.T) {
	cleanupState(t)

	conn := dialEvents(t, primaryServer())

	const events = 100
	for i := 0; i < events; i++ {
		sendFrame(t, conn, formatEventID("D", i), "t", map[string]any{"seq": i})
	}

	// Last event persisted implies (per-session ordering) all precursors are
	// settled too.
	waitForRowCount(t, formatEventID("D", events-1), 1, 30*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var total int
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT count(DISTINCT event_id) FROM events").Scan(&total))
	assert.Equal(t, events, total)
}

// sendFrame is a thin wrapper building the standard event frame.
func sendFrame(t *testing.T, conn *websocket.Conn, eventID, eventType string, payload map[string]any) {
	t.Helper()
	sendEvent(t, conn, map[string]any{
		"event_id":   eventID,
		"event_type": eventType,
		"payload":    payload,
	})
}

// jsonFrame builds a frame without test assertions so it is safe to use
// from worker goroutines.
func jsonFrame(eventID, eventType string, payload map[string]any) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event_id":   eventID,
		"event_type": eventType,
		"payload":    payload,
	})
}
