package okatis

// Contain the EventPublisher object, which republishes camera events and
// status on ZMQ PUB sockets.

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/usnistgov/okatis/eventstream"
)

// Topics of the published messages.
const (
	TopicEvents = "EVENTS" // payload: concatenated eventstream packed events
	TopicStatus = "STATUS" // payload: JSON CameraStatus
)

// CameraStatus is the JSON body of a STATUS message.
type CameraStatus struct {
	SessionID string
	Serial    string
	Revision  string
	State     string
	Delivered uint64
	Polls     PollSummary
}

// Status collects the current CameraStatus.
func (c *Camera) Status() CameraStatus {
	return CameraStatus{
		SessionID: c.SessionID(),
		Serial:    c.Serial(),
		Revision:  c.Revision().String(),
		State:     c.State().String(),
		Delivered: c.Delivered(),
		Polls:     c.Stats(),
	}
}

// EventPublisher batches events from an EventHandler and publishes them on a
// ZMQ PUB socket. Publishing is best effort: when the socket goroutine falls
// behind, whole batches are dropped and counted rather than slowing the camera.
type EventPublisher struct {
	batchSize    int
	flushPeriod  time.Duration
	statusPeriod time.Duration
	status       func() CameraStatus

	sync.Mutex // guards pending and dropped
	pending    []byte
	dropped    uint64

	batches   chan []byte
	abort     chan struct{}
	done      sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	socket    *zmq.Socket
}

// NewEventPublisher binds a PUB socket on portnum (all interfaces). status,
// when not nil, is published every statusPeriod.
func NewEventPublisher(portnum int, status func() CameraStatus, statusPeriod time.Duration) (*EventPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	if err := socket.Bind(hostname); err != nil {
		socket.Close()
		return nil, fmt.Errorf("binding %s: %w", hostname, err)
	}
	if statusPeriod <= 0 {
		statusPeriod = time.Second
	}
	pub := &EventPublisher{
		batchSize:    4096,
		flushPeriod:  50 * time.Millisecond,
		statusPeriod: statusPeriod,
		status:       status,
		batches:      make(chan []byte, 64),
		abort:        make(chan struct{}),
		socket:       socket,
	}
	pub.done.Add(1)
	go pub.run()
	return pub, nil
}

// HandleEvent queues e for publication. It has the EventHandler signature.
func (pub *EventPublisher) HandleEvent(e eventstream.PixelEvent) {
	pub.Lock()
	defer pub.Unlock()
	pub.pending = e.AppendPacked(pub.pending)
	if len(pub.pending) >= pub.batchSize*eventstream.PackedSize {
		pub.flushLocked()
	}
}

// flushLocked hands pending to the socket goroutine. Caller holds pub's lock.
func (pub *EventPublisher) flushLocked() {
	if len(pub.pending) == 0 {
		return
	}
	select {
	case pub.batches <- pub.pending:
	default:
		pub.dropped += uint64(len(pub.pending) / eventstream.PackedSize)
	}
	pub.pending = make([]byte, 0, pub.batchSize*eventstream.PackedSize)
}

// Dropped counts the events discarded because the socket goroutine was behind.
func (pub *EventPublisher) Dropped() uint64 {
	pub.Lock()
	defer pub.Unlock()
	return pub.dropped
}

func (pub *EventPublisher) run() {
	defer pub.done.Done()
	flush := time.NewTicker(pub.flushPeriod)
	defer flush.Stop()
	status := time.NewTicker(pub.statusPeriod)
	defer status.Stop()

	for {
		select {
		case <-pub.abort:
			pub.Lock()
			pub.flushLocked()
			pub.Unlock()
			for {
				select {
				case batch := <-pub.batches:
					pub.send(TopicEvents, batch)
				default:
					pub.publishStatus()
					return
				}
			}
		case batch := <-pub.batches:
			pub.send(TopicEvents, batch)
		case <-flush.C:
			pub.Lock()
			pub.flushLocked()
			pub.Unlock()
		case <-status.C:
			pub.publishStatus()
		}
	}
}

func (pub *EventPublisher) publishStatus() {
	if pub.status == nil {
		return
	}
	msg, err := json.Marshal(pub.status())
	if err != nil {
		ProblemLogger.Printf("EventPublisher: encoding status: %v", err)
		return
	}
	pub.send(TopicStatus, msg)
}

func (pub *EventPublisher) send(topic string, payload []byte) {
	if _, err := pub.socket.SendMessage(topic, payload); err != nil {
		ProblemLogger.Printf("EventPublisher: sending %s: %v", topic, err)
	}
}

// Close publishes what is still pending, then closes the socket. Later calls
// return the first call's result.
func (pub *EventPublisher) Close() error {
	pub.closeOnce.Do(func() {
		close(pub.abort)
		pub.done.Wait()
		pub.closeErr = pub.socket.Close()
	})
	return pub.closeErr
}
