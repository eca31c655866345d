// Package connection implements the single-master connection state
// machine: a pending-before-connect queue, an in-flight reply FIFO, and
// the dispatch/demultiplex policy of spec.md §4.3.
package connection

import (
	"container/list"
	"fmt"

	"rdxcluster/internal/command"
	"rdxcluster/internal/hostkey"
	"rdxcluster/internal/rerror"
	"rdxcluster/internal/transport"
)

// State is a Connection's position in its state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "invalid"
	}
}

// EventHandler is the cluster router's non-owning view of a Connection:
// Connection holds only this narrow interface, never a concrete
// *clustercore.Cluster, breaking the cluster<->connection import cycle
// while keeping cluster-owns-connection ownership (spec.md §9).
type EventHandler interface {
	// HandleReply classifies and routes a delivered reply. transportErr
	// is non-nil when the transport failed to deliver a reply at all
	// (I/O, EOF); reply is the classified RESP value otherwise.
	HandleReply(conn *Connection, cmd *command.Command, reply *transport.Reply, transportErr error)
	// HandleConnected is invoked once a dial attempt completes.
	HandleConnected(conn *Connection, err error)
	// HandleDisconnected is invoked once a Connection finishes tearing
	// down (Close was called, or a dial attempt failed before ever
	// connecting).
	HandleDisconnected(conn *Connection)
	// Requeue re-dispatches a command that was queued before the
	// connection was usable (pending_before_connect), without having
	// consumed a network attempt.
	Requeue(cmd *command.Command)
}

// Connection is a single logical link to one master node.
type Connection struct {
	key       hostkey.Key
	transport transport.Transport
	handler   EventHandler

	handle transport.Handle
	state  State

	pendingBeforeConnect *list.List // of *command.Command
	inFlight             *list.List // of *command.Command
}

// New builds a Connection identified by key, dispatching through tr and
// reporting events to handler. No I/O is performed here.
func New(key hostkey.Key, tr transport.Transport, handler EventHandler) *Connection {
	return &Connection{
		key:                  key,
		transport:            tr,
		handler:              handler,
		state:                Disconnected,
		pendingBeforeConnect: list.New(),
		inFlight:             list.New(),
	}
}

// Key returns the connection's node identity.
func (c *Connection) Key() hostkey.Key { return c.key }

// State returns the connection's current state.
func (c *Connection) State() State { return c.state }

// InFlightLen returns the number of commands awaiting reply. Exposed
// for tests and diagnostics.
func (c *Connection) InFlightLen() int { return c.inFlight.Len() }

// Connect dials asynchronously. Legal only from Disconnected.
func (c *Connection) Connect() error {
	if c.state != Disconnected {
		return rerror.New(rerror.Connection, fmt.Errorf("connection: Connect called in state %s", c.state))
	}
	c.state = Connecting
	c.handle = c.transport.Connect(c.key, c.onConnected)
	return nil
}

func (c *Connection) onConnected(h transport.Handle, err error) {
	c.handle = h
	if err != nil {
		c.state = Disconnected
	} else {
		c.state = Connected
	}
	drained := c.drain(c.pendingBeforeConnect)

	if c.handler != nil {
		c.handler.HandleConnected(c, err)
		for _, cmd := range drained {
			c.handler.Requeue(cmd)
		}
		if err != nil {
			c.handler.HandleDisconnected(c)
		}
		return
	}
	failErr := rerror.New(rerror.Connection, fmt.Errorf("connection: %s failed to connect: %w", c.key.Name(), err))
	for _, cmd := range drained {
		cmd.InvokeReply(rerror.Connection, nil, failErr)
	}
}

// Submit dispatches cmd per the state-dependent policy of spec.md §4.3.
func (c *Connection) Submit(cmd *command.Command) error {
	switch c.state {
	case Connecting:
		c.pendingBeforeConnect.PushBack(cmd)
		return nil
	case Disconnected:
		return rerror.New(rerror.Connection, fmt.Errorf("connection: %s is disconnected", c.key.Name()))
	case Connected:
		ok := c.transport.SendFormatted(c.handle, cmd.Payload, cmd, c.onReply)
		if !ok {
			err := rerror.New(rerror.HiredisLayer, fmt.Errorf("connection: %s rejected command", c.key.Name()))
			cmd.InvokeReply(rerror.HiredisLayer, nil, err)
			cmd.Destroy()
			return err
		}
		c.inFlight.PushBack(cmd)
		return nil
	default:
		return rerror.New(rerror.Unknown, fmt.Errorf("connection: unknown state %v", c.state))
	}
}

func (c *Connection) onReply(_ transport.Handle, reply *transport.Reply, transportErr error, userData any) {
	cmd, ok := userData.(*command.Command)
	if !ok || cmd == nil {
		return
	}
	c.deliverReply(cmd, reply, transportErr)
}

// deliverReply implements spec.md §4.3's demultiplex contract: any
// in-flight entry submitted before cmd is deemed timed out, in FIFO
// order, then cmd itself is popped and handed to the EventHandler for
// classification.
func (c *Connection) deliverReply(cmd *command.Command, reply *transport.Reply, transportErr error) {
	found := false
	for e := c.inFlight.Front(); e != nil; e = c.inFlight.Front() {
		head := e.Value.(*command.Command)
		c.inFlight.Remove(e)
		if head == cmd {
			found = true
			break
		}
		head.InvokeReply(rerror.Timeout, nil, fmt.Errorf("connection: %s head-of-line timeout", c.key.Name()))
	}
	if !found {
		// cmd was already drained and terminally failed by an earlier
		// deliverReply's Close call in this same transport-failure batch
		// (the transport fails every pending command at once, each posted
		// as its own callback); its outcome already reached the caller, so
		// this late callback must not reach HandleReply and re-dispatch it.
		return
	}

	if transportErr != nil && c.state != Disconnected {
		// The transport already tore itself down; fail the rest of the
		// pipeline and notify the handler so the registry can evict us,
		// but let the handler's own retry policy decide cmd's fate below
		// rather than failing it here.
		c.Close(false)
	}

	if c.handler != nil {
		c.handler.HandleReply(c, cmd, reply, transportErr)
		return
	}
	if transportErr != nil {
		cmd.InvokeReply(rerror.Connection, nil, transportErr)
		return
	}
	if reply.IsError() {
		se := reply.AsServerError()
		cmd.InvokeReply(rerror.HiredisLayer, nil, rerror.WithReply(string(se)))
		return
	}
	cmd.InvokeReply(rerror.Ok, reply, nil)
}

// Close unconditionally transitions to Disconnected: optionally closes
// the transport, fails every in-flight command with a terminal
// Connection error, and either hands pending_before_connect back to the
// EventHandler for re-dispatch or fails those too.
func (c *Connection) Close(closeTransport bool) {
	wasLive := c.state != Disconnected
	handle := c.handle
	c.state = Disconnected

	if closeTransport && wasLive && handle != nil {
		c.transport.Disconnect(handle, nil)
	}

	pending := c.drain(c.pendingBeforeConnect)
	inFlight := c.drain(c.inFlight)

	failErr := rerror.New(rerror.Connection, fmt.Errorf("connection: %s disconnected", c.key.Name()))
	for _, cmd := range inFlight {
		cmd.InvokeReply(rerror.Connection, nil, failErr)
	}

	if c.handler != nil {
		for _, cmd := range pending {
			c.handler.Requeue(cmd)
		}
		c.handler.HandleDisconnected(c)
		return
	}
	for _, cmd := range pending {
		cmd.InvokeReply(rerror.Connection, nil, failErr)
	}
}

func (c *Connection) drain(l *list.List) []*command.Command {
	out := make([]*command.Command, 0, l.Len())
	for e := l.Front(); e != nil; e = l.Front() {
		out = append(out, e.Value.(*command.Command))
		l.Remove(e)
	}
	return out
}
