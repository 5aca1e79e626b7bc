// Package sessiondb records camera sessions in a ClickHouse database.
package sessiondb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// DefaultAddr is the ClickHouse native-protocol address used when none is given.
const DefaultAddr = "localhost:9000"

const databaseName = "okatis" // official SQL name of the database

const timeLayout = "2006-01-02 15:04:05.000000"

// SessionDBConnection logs one camera session. A connection that could not
// reach the server is valid but records nothing.
//
// Rows are written by a single connection goroutine. Other goroutines only
// look at conn, err and session through mu.
type SessionDBConnection struct {
	mu        sync.Mutex
	conn      clickhouse.Conn
	err       error
	session   *SessionMessage
	pollmsg   chan *PollMessage
	finishmsg chan *SessionMessage
	exited    chan struct{}
	sync.WaitGroup
}

// IsConnected reports whether rows can be written.
func (db *SessionDBConnection) IsConnected() bool {
	if db == nil {
		return false
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.connected()
}

// connected is IsConnected for callers holding mu, or running on the
// connection goroutine (the only writer).
func (db *SessionDBConnection) connected() bool {
	return db.conn != nil && db.err == nil
}

// Err returns the error that disconnected db, if any.
func (db *SessionDBConnection) Err() error {
	if db == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.err
}

func (db *SessionDBConnection) setErr(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.err = err
}

// PingServer checks that the server at addr answers.
func PingServer(addr string) (string, error) {
	db := createDBConnection(addr)
	if !db.connected() {
		return "", fmt.Errorf("database is not connected: %v", db.err)
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// StartSession connects to addr, inserts the session start row and handles
// later messages until abort is closed or Finish is called.
func StartSession(addr string, session *SessionMessage, abort <-chan struct{}) *SessionDBConnection {
	db := createDBConnection(addr)
	db.session = session
	db.logSession()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// DummyDBConnection returns a connection that records nothing.
func DummyDBConnection() *SessionDBConnection {
	return &SessionDBConnection{err: fmt.Errorf("no database")}
}

func newSessionDBConnection() *SessionDBConnection {
	return &SessionDBConnection{
		pollmsg:   make(chan *PollMessage, 16),
		finishmsg: make(chan *SessionMessage),
		exited:    make(chan struct{}),
	}
}

func createDBConnection(addr string) *SessionDBConnection {
	db := newSessionDBConnection()
	if addr == "" {
		addr = DefaultAddr
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("OKATIS_DB_USER"),
		Password: os.Getenv("OKATIS_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "okatis", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			err = fmt.Errorf("exception [%d] %s", exception.Code, exception.Message)
		}
		db.err = err
		conn.Close()
		db.conn = nil
	}
	return db
}

// logSession inserts the session row. It runs before the connection
// goroutine starts, or on it.
func (db *SessionDBConnection) logSession() {
	db.mu.Lock()
	if !db.connected() || db.session == nil {
		db.mu.Unlock()
		return
	}
	s := *db.session
	db.mu.Unlock()

	const nowait = false
	var end string
	if !s.End.IsZero() {
		end = s.End.Format(timeLayout)
	}
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO atissessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		s.ID, s.Hostname, s.Githash, s.Version, s.GoVersion,
		s.Serial, s.Firmware, s.Revision, s.Events, s.Fault,
		s.Start.Format(timeLayout), end,
	); err != nil {
		db.setErr(fmt.Errorf("insert into atissessions: %w", err))
	}
}

func (db *SessionDBConnection) handlePollMessage(m *PollMessage) {
	if !db.connected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO atispolls VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.Time.Format(timeLayout), m.Polls, m.IdlePolls, m.Events,
		m.PeakOccupancy, m.MeanOccupancy, m.EventRate,
	); err != nil {
		db.setErr(fmt.Errorf("insert into atispolls: %w", err))
	}
}

func (db *SessionDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	defer close(db.exited)
	for {
		select {
		case <-abort:
			db.disconnect(nil)
			return
		case m := <-db.pollmsg:
			db.handlePollMessage(m)
		case m := <-db.finishmsg:
			db.disconnect(m)
			return
		}
	}
}

// disconnect writes the session end row (final, when given, replaces the
// session) if still connected, then closes the connection.
func (db *SessionDBConnection) disconnect(final *SessionMessage) {
	db.mu.Lock()
	if final != nil {
		db.session = final
	}
	if db.session != nil && db.session.End.IsZero() {
		db.session.End = time.Now()
	}
	db.mu.Unlock()
	db.logSession()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn != nil {
		db.conn.Close()
		db.conn = nil
	}
}

// RecordPolls queues a statistics row. It never blocks; rows are dropped when
// the connection goroutine is busy.
func (db *SessionDBConnection) RecordPolls(m *PollMessage) {
	if !db.IsConnected() || m == nil {
		return
	}
	select {
	case db.pollmsg <- m:
	default:
	}
}

// Finish records the final session row and waits for the connection
// goroutine to exit. After abort was closed it only waits.
func (db *SessionDBConnection) Finish(events uint64, fault error) {
	if db == nil || db.finishmsg == nil {
		return
	}
	final := &SessionMessage{}
	db.mu.Lock()
	if db.session != nil {
		*final = *db.session
	}
	db.mu.Unlock()
	final.Events = events
	if fault != nil {
		final.Fault = fault.Error()
	}
	final.End = time.Now()
	select {
	case db.finishmsg <- final:
	case <-db.exited:
	}
	db.Wait()
}
