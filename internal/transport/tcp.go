package transport

import (
	"bufio"
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rdxcluster/internal/hostkey"
)

// reconnectDelay paces repeated dial attempts to the same address so a
// flapping node doesn't get hammered with connect attempts.
const reconnectDelay = 100 * time.Millisecond

const writeQueueSize = 256

var errConnLost = errors.New("transport: connection lost")

// TCPConnector is the concrete, async, pipelined TCP implementation of
// Transport.
type TCPConnector struct {
	dialTimeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	LogInfo  func(string)
	LogDebug func(string)
}

// NewTCPConnector builds a Transport dialing with the given timeout. A
// zero dialTimeout defaults to 5 seconds.
func NewTCPConnector(dialTimeout time.Duration) *TCPConnector {
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	return &TCPConnector{
		dialTimeout: dialTimeout,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (t *TCPConnector) limiterFor(name string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[name]
	if !ok {
		l = rate.NewLimiter(rate.Every(reconnectDelay), 1)
		t.limiters[name] = l
	}
	return l
}

func (t *TCPConnector) logf(info bool, format string, args ...any) {
	fn := t.LogDebug
	if info {
		fn = t.LogInfo
	}
	if fn == nil {
		return
	}
	fn(fmt.Sprintf(format, args...))
}

type pendingReply struct {
	userData any
	onReply  OnReply
}

// tcpConn is the Handle backing a single node connection.
type tcpConn struct {
	key  hostkey.Key
	conn net.Conn

	writeCh chan writeReq
	done    chan struct{}

	mu      sync.Mutex
	pending *list.List // of pendingReply
	closed  bool

	closeOnce sync.Once
}

type writeReq struct {
	payload  []byte
	userData any
	onReply  OnReply
}

// Connect implements Transport.
func (t *TCPConnector) Connect(key hostkey.Key, onConnected OnConnected) Handle {
	c := &tcpConn{
		key:     key,
		writeCh: make(chan writeReq, writeQueueSize),
		done:    make(chan struct{}),
		pending: list.New(),
	}
	go t.dial(c, onConnected)
	return c
}

func (t *TCPConnector) dial(c *tcpConn, onConnected OnConnected) {
	limiter := t.limiterFor(c.key.Name())
	_ = limiter.Wait(context.Background())

	conn, err := net.DialTimeout("tcp", c.key.Name(), t.dialTimeout)
	if err != nil {
		onConnected(c, err)
		return
	}

	// Enable TCP keepalive so a dead peer is detected without waiting on
	// an application-level timeout.
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}

	c.conn = conn
	onConnected(c, nil)

	go c.writeLoop()
	c.readLoop()
}

// SendFormatted implements Transport.
func (t *TCPConnector) SendFormatted(h Handle, payload []byte, userData any, onReply OnReply) bool {
	c, ok := h.(*tcpConn)
	if !ok {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.writeCh <- writeReq{payload: payload, userData: userData, onReply: onReply}:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Disconnect implements Transport.
func (t *TCPConnector) Disconnect(h Handle, onDisconnected OnDisconnected) {
	c, ok := h.(*tcpConn)
	if !ok {
		return
	}
	go c.shutdown(nil, onDisconnected)
}

func (c *tcpConn) writeLoop() {
	for {
		select {
		case req := <-c.writeCh:
			c.mu.Lock()
			c.pending.PushBack(pendingReply{userData: req.userData, onReply: req.onReply})
			c.mu.Unlock()

			if _, err := c.conn.Write(req.payload); err != nil {
				c.shutdown(err, nil)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *tcpConn) readLoop() {
	reader := bufio.NewReaderSize(c.conn, 16*1024)
	for {
		reply, err := decodeReply(reader)
		if err != nil {
			c.shutdown(err, nil)
			return
		}
		c.deliverOne(reply, nil)
	}
}

func (c *tcpConn) deliverOne(reply *Reply, err error) bool {
	c.mu.Lock()
	front := c.pending.Front()
	if front == nil {
		c.mu.Unlock()
		return false
	}
	c.pending.Remove(front)
	c.mu.Unlock()

	p := front.Value.(pendingReply)
	if p.onReply != nil {
		p.onReply(c, reply, err, p.userData)
	}
	return true
}

// shutdown closes the connection exactly once, failing every pending
// reply with errConnLost (or the triggering error) and invoking
// onDisconnected exactly once if supplied.
func (c *tcpConn) shutdown(cause error, onDisconnected OnDisconnected) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		close(c.done)

		failErr := cause
		if failErr == nil {
			failErr = errConnLost
		}
		for {
			if !c.deliverOne(nil, failErr) {
				break
			}
		}
	})
	if onDisconnected != nil {
		onDisconnected(c, cause)
	}
}
