package stream

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loghive/loghive/pkg/models"
)

// client is one WebSocket connection. The read loop (HandleConnection)
// owns subscriptions, authenticated, username and role; they are never
// touched from another goroutine. The outbound queue is shared between
// broadcasters and the write loop and guarded by qmu.
type client struct {
	id          string
	conn        *websocket.Conn
	hub         *Hub
	connectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	subscriptions map[string]bool
	authenticated bool
	username      string
	role          models.Role

	qmu         sync.Mutex
	queue       *list.List // of []byte, oldest at front
	queuedBytes int
	lagElem     *list.Element // queued stream_lag marker, nil when none pending
	lagDropped  int
	wake        chan struct{}
	writerDone  chan struct{}
}

func newClient(ctx context.Context, id string, conn *websocket.Conn, hub *Hub) *client {
	ctx, cancel := context.WithCancel(ctx)
	return &client{
		id:            id,
		conn:          conn,
		hub:           hub,
		connectedAt:   time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]bool),
		queue:         list.New(),
		wake:          make(chan struct{}, 1),
		writerDone:    make(chan struct{}),
	}
}

// enqueue appends data to the outbound queue, dropping the oldest pending
// messages when the byte budget would be exceeded. The connection stays
// open; a single stream_lag marker rides the queue per lag episode, its
// drop count updated in place as the episode grows.
func (c *client) enqueue(data []byte) {
	budget := c.hub.cfg.ClientBufferBytes

	c.qmu.Lock()
	dropped := 0
	for c.queuedBytes+len(data) > budget && c.queue.Len() > 0 {
		front := c.queue.Front()
		if front == c.lagElem {
			// The marker is bookkeeping, not data; it is never dropped.
			if c.queue.Len() == 1 {
				break
			}
			front = front.Next()
		}
		c.queuedBytes -= len(front.Value.([]byte))
		c.queue.Remove(front)
		dropped++
	}
	if len(data) > budget {
		// One message larger than the whole budget; count it as a drop.
		dropped++
	} else {
		c.queue.PushBack(data)
		c.queuedBytes += len(data)
	}
	if dropped > 0 {
		c.lagDropped += dropped
		if lag := c.hub.lagMessage(c.lagDropped); lag != nil {
			if c.lagElem != nil {
				c.queuedBytes += len(lag) - len(c.lagElem.Value.([]byte))
				c.lagElem.Value = lag
			} else {
				c.lagElem = c.queue.PushBack(lag)
				c.queuedBytes += len(lag)
			}
		}
	}
	c.qmu.Unlock()

	if dropped > 0 {
		c.hub.met.StreamLagDrops.Add(float64(dropped))
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the queue onto the socket. A write failure or timeout
// tears the connection down; the read loop then unregisters it.
func (c *client) writeLoop(writeTimeout time.Duration) {
	defer close(c.writerDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			c.qmu.Lock()
			front := c.queue.Front()
			if front == nil {
				c.qmu.Unlock()
				break
			}
			data := front.Value.([]byte)
			if front == c.lagElem {
				// Delivering the marker ends the lag episode.
				c.lagElem = nil
				c.lagDropped = 0
			}
			c.queue.Remove(front)
			c.queuedBytes -= len(data)
			c.qmu.Unlock()

			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *client) pendingBytes() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return c.queuedBytes
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.cancel()
	_ = c.conn.Close(code, reason)
}
