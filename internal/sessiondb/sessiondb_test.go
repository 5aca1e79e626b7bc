package sessiondb

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// No ClickHouse server listens on port 1, so every connection here is a
// disconnected one; the session API must still be usable.
const unreachable = "127.0.0.1:1"

func TestUnreachableServer(t *testing.T) {
	_, err := PingServer(unreachable)
	assert.Error(t, err)

	abort := make(chan struct{})
	db := StartSession(unreachable, &SessionMessage{ID: "test", Start: time.Now()}, abort)
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
	db.RecordPolls(&PollMessage{SessionID: "test"})

	done := make(chan struct{})
	go func() {
		db.Finish(12, errors.New("device disconnected"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Finish did not return")
	}
	close(abort)
}

func TestFinishAfterAbort(t *testing.T) {
	abort := make(chan struct{})
	db := StartSession(unreachable, &SessionMessage{ID: "test"}, abort)
	close(abort)
	db.Finish(0, nil)
	assert.False(t, db.IsConnected())
}

func TestDummyDBConnection(t *testing.T) {
	db := DummyDBConnection()
	assert.False(t, db.IsConnected())
	db.RecordPolls(&PollMessage{})
	db.Finish(0, nil)
	var nilDB *SessionDBConnection
	assert.False(t, nilDB.IsConnected())
	assert.NoError(t, nilDB.Err())
}

// recordingConn is a ClickHouse connection that keeps its inserts in memory.
// After failAfter inserts (when positive) every insert fails.
type recordingConn struct {
	driver.Conn
	sync.Mutex
	failAfter int
	queries   []string
	args      [][]any
	closed    bool
}

func (c *recordingConn) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	c.Lock()
	defer c.Unlock()
	if c.failAfter > 0 && len(c.queries) >= c.failAfter {
		return errors.New("table is read only")
	}
	c.queries = append(c.queries, query)
	c.args = append(c.args, args)
	return nil
}

func (c *recordingConn) Close() error {
	c.Lock()
	defer c.Unlock()
	c.closed = true
	return nil
}

func startFakeSession(conn *recordingConn, abort <-chan struct{}) *SessionDBConnection {
	db := newSessionDBConnection()
	db.conn = conn
	db.session = &SessionMessage{ID: "fake", Start: time.Now()}
	db.logSession()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// pollFrom calls the caller-side API from several goroutines while the
// connection goroutine writes rows.
func pollFrom(db *SessionDBConnection, goroutines, polls int) {
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < polls; i++ {
				db.RecordPolls(&PollMessage{SessionID: "fake", Time: time.Now(), Polls: uint64(i)})
				db.IsConnected()
				db.Err()
			}
		}()
	}
	wg.Wait()
}

func TestConnectedSession(t *testing.T) {
	conn := &recordingConn{}
	abort := make(chan struct{})
	db := startFakeSession(conn, abort)
	assert.True(t, db.IsConnected())
	pollFrom(db, 4, 100)
	db.Finish(10, errors.New("device disconnected"))
	close(abort)

	assert.False(t, db.IsConnected())
	assert.NoError(t, db.Err())
	conn.Lock()
	defer conn.Unlock()
	assert.True(t, conn.closed)
	require.GreaterOrEqual(t, len(conn.queries), 2)
	assert.True(t, strings.Contains(conn.queries[0], "atissessions"))
	last := len(conn.queries) - 1
	assert.True(t, strings.Contains(conn.queries[last], "atissessions"))
	assert.Equal(t, uint64(10), conn.args[last][8])
	assert.Equal(t, "device disconnected", conn.args[last][9])
	for _, q := range conn.queries[1:last] {
		assert.True(t, strings.Contains(q, "atispolls"), q)
	}
}

func TestFailingInserts(t *testing.T) {
	conn := &recordingConn{failAfter: 3}
	abort := make(chan struct{})
	db := startFakeSession(conn, abort)
	pollFrom(db, 4, 100)
	assert.Eventually(t, func() bool {
		pollFrom(db, 1, 1)
		return db.Err() != nil
	}, 5*time.Second, time.Millisecond)
	close(abort)
	db.Finish(0, nil)

	assert.False(t, db.IsConnected())
	if err := db.Err(); assert.Error(t, err) {
		assert.Contains(t, err.Error(), "atispolls")
	}
	conn.Lock()
	defer conn.Unlock()
	assert.True(t, conn.closed, "the connection is closed even after an insert failed")
	assert.Len(t, conn.queries, 3)
}
