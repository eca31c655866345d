package connection

import (
	"testing"

	"rdxcluster/internal/command"
	"rdxcluster/internal/hostkey"
	"rdxcluster/internal/rerror"
	"rdxcluster/internal/transport"
)

type fakeHandle struct{ id int }

type sendCall struct {
	payload  []byte
	userData any
	onReply  transport.OnReply
}

type fakeTransport struct {
	rejectSend     bool
	lastOnConnect  transport.OnConnected
	lastHandle     transport.Handle
	sends          []sendCall
	disconnectHits int
}

func (f *fakeTransport) Connect(key hostkey.Key, onConnected transport.OnConnected) transport.Handle {
	h := &fakeHandle{id: 1}
	f.lastOnConnect = onConnected
	f.lastHandle = h
	return h
}

func (f *fakeTransport) SendFormatted(h transport.Handle, payload []byte, userData any, onReply transport.OnReply) bool {
	if f.rejectSend {
		return false
	}
	f.sends = append(f.sends, sendCall{payload: payload, userData: userData, onReply: onReply})
	return true
}

func (f *fakeTransport) Disconnect(h transport.Handle, onDisconnected transport.OnDisconnected) {
	f.disconnectHits++
	if onDisconnected != nil {
		onDisconnected(h, nil)
	}
}

type replyCall struct {
	cmd         *command.Command
	reply       *transport.Reply
	transportErr error
}

type fakeHandler struct {
	connectedCalls    int
	lastConnectedErr  error
	disconnectedCalls int
	requeued          []*command.Command
	replies           []replyCall
}

func (h *fakeHandler) HandleReply(conn *Connection, cmd *command.Command, reply *transport.Reply, transportErr error) {
	h.replies = append(h.replies, replyCall{cmd, reply, transportErr})
}
func (h *fakeHandler) HandleConnected(conn *Connection, err error) {
	h.connectedCalls++
	h.lastConnectedErr = err
}
func (h *fakeHandler) HandleDisconnected(conn *Connection) { h.disconnectedCalls++ }
func (h *fakeHandler) Requeue(cmd *command.Command)        { h.requeued = append(h.requeued, cmd) }

func testKey() hostkey.Key { return hostkey.Key{IP: "10.0.0.1", Port: 6379} }

func TestConnectSuccessDrainsPendingBeforeConnect(t *testing.T) {
	tr := &fakeTransport{}
	h := &fakeHandler{}
	c := New(testKey(), tr, h)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != Connecting {
		t.Fatalf("state = %v, want Connecting", c.State())
	}

	var invoked bool
	cmd := command.Create(func(rerror.Kind, *transport.Reply, error, any) { invoked = true }, nil)
	if err := c.Submit(cmd); err != nil {
		t.Fatalf("Submit while connecting: %v", err)
	}
	if invoked {
		t.Fatal("callback fired before connect completed")
	}

	tr.lastOnConnect(tr.lastHandle, nil)

	if c.State() != Connected {
		t.Fatalf("state = %v, want Connected", c.State())
	}
	if h.connectedCalls != 1 || h.lastConnectedErr != nil {
		t.Fatalf("HandleConnected calls=%d err=%v", h.connectedCalls, h.lastConnectedErr)
	}
	if len(h.requeued) != 1 || h.requeued[0] != cmd {
		t.Fatalf("requeued = %v, want [cmd]", h.requeued)
	}
}

func TestConnectFailureRequeuesAndReportsDisconnected(t *testing.T) {
	tr := &fakeTransport{}
	h := &fakeHandler{}
	c := New(testKey(), tr, h)
	_ = c.Connect()

	cmd := command.Create(nil, nil)
	_ = c.Submit(cmd)

	dialErr := rerror.New(rerror.Connection, errDial(t))
	tr.lastOnConnect(nil, dialErr)

	if c.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", c.State())
	}
	if h.disconnectedCalls != 1 {
		t.Fatalf("HandleDisconnected calls = %d, want 1", h.disconnectedCalls)
	}
	if len(h.requeued) != 1 || h.requeued[0] != cmd {
		t.Fatalf("requeued = %v, want [cmd]", h.requeued)
	}
}

func errDial(t *testing.T) error {
	t.Helper()
	return &testErr{"dial refused"}
}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

func connectedConnection(t *testing.T) (*Connection, *fakeTransport, *fakeHandler) {
	t.Helper()
	tr := &fakeTransport{}
	h := &fakeHandler{}
	c := New(testKey(), tr, h)
	_ = c.Connect()
	tr.lastOnConnect(tr.lastHandle, nil)
	if c.State() != Connected {
		t.Fatalf("setup: state = %v, want Connected", c.State())
	}
	return c, tr, h
}

func TestSubmitConnectedDispatchesToTransport(t *testing.T) {
	c, tr, _ := connectedConnection(t)
	cmd := command.Create(nil, nil)
	cmd.Payload = []byte("*1\r\n$4\r\nPING\r\n")

	if err := c.Submit(cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(tr.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(tr.sends))
	}
	if c.InFlightLen() != 1 {
		t.Fatalf("InFlightLen = %d, want 1", c.InFlightLen())
	}
}

func TestSubmitDisconnectedReturnsConnectionError(t *testing.T) {
	c := New(testKey(), &fakeTransport{}, &fakeHandler{})
	err := c.Submit(command.Create(nil, nil))
	if !rerror.Is(err, rerror.Connection) {
		t.Fatalf("expected rerror.Connection, got %v", err)
	}
}

func TestSubmitTransportRejectInvokesHiredisLayerAndDestroys(t *testing.T) {
	c, tr, _ := connectedConnection(t)
	tr.rejectSend = true

	var gotKind rerror.Kind
	var calls int
	cmd := command.Create(func(kind rerror.Kind, reply *transport.Reply, err error, priv any) {
		calls++
		gotKind = kind
	}, nil)

	err := c.Submit(cmd)
	if err == nil {
		t.Fatal("expected error on transport reject")
	}
	if calls != 1 || gotKind != rerror.HiredisLayer {
		t.Fatalf("calls=%d kind=%v, want 1/HiredisLayer", calls, gotKind)
	}
	if c.InFlightLen() != 0 {
		t.Fatalf("InFlightLen = %d, want 0", c.InFlightLen())
	}
}

func TestDeliverReplyHeadOfLineSkipTimesOutEarlierEntries(t *testing.T) {
	c, tr, h := connectedConnection(t)

	var cmd1Kind rerror.Kind
	cmd1 := command.Create(func(kind rerror.Kind, reply *transport.Reply, err error, priv any) { cmd1Kind = kind }, "first")
	cmd2 := command.Create(nil, "second")

	_ = c.Submit(cmd1)
	_ = c.Submit(cmd2)
	if c.InFlightLen() != 2 {
		t.Fatalf("InFlightLen = %d, want 2", c.InFlightLen())
	}

	// Deliver the reply for cmd2 first, simulating a transport that
	// (incorrectly, or after a fake reorder) answers out of order.
	secondSend := tr.sends[1]
	secondSend.onReply(tr.lastHandle, &transport.Reply{Type: transport.ReplyStatus, Status: "OK"}, nil, secondSend.userData)

	if cmd1Kind != rerror.Timeout {
		t.Fatalf("cmd1 kind = %v, want Timeout", cmd1Kind)
	}
	if len(h.replies) != 1 || h.replies[0].cmd != cmd2 {
		t.Fatalf("handler replies = %+v, want [cmd2]", h.replies)
	}
	if c.InFlightLen() != 0 {
		t.Fatalf("InFlightLen = %d, want 0", c.InFlightLen())
	}
}

func TestDeliverReplyRoutesTransportErrorToHandler(t *testing.T) {
	c, tr, h := connectedConnection(t)
	cmd := command.Create(nil, nil)
	_ = c.Submit(cmd)

	send := tr.sends[0]
	send.onReply(tr.lastHandle, nil, &testErr{"i/o error"}, send.userData)

	if len(h.replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(h.replies))
	}
	if h.replies[0].transportErr == nil {
		t.Fatal("expected non-nil transportErr")
	}
}

func TestDeliverReplyIgnoresCallbackForAlreadyDrainedCommand(t *testing.T) {
	c, tr, h := connectedConnection(t)

	cmd1 := command.Create(nil, "first")
	cmd2 := command.Create(nil, "second")
	_ = c.Submit(cmd1)
	_ = c.Submit(cmd2)

	// A real transport fails every pending send at once on disconnect,
	// posting one onReply callback per command. cmd1's callback runs
	// first, closes the connection, and terminally fails cmd2 as part of
	// Close's own drain — so cmd2's still-queued callback must be a
	// no-op rather than reaching the handler a second time.
	first := tr.sends[0]
	second := tr.sends[1]
	ioErr := &testErr{"i/o error"}
	first.onReply(tr.lastHandle, nil, ioErr, first.userData)
	second.onReply(tr.lastHandle, nil, ioErr, second.userData)

	if len(h.replies) != 1 || h.replies[0].cmd != cmd1 {
		t.Fatalf("handler replies = %+v, want exactly [cmd1]", h.replies)
	}
	if c.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", c.State())
	}
}

func TestCloseFailsInFlightTerminally(t *testing.T) {
	c, _, _ := connectedConnection(t)
	var gotKind rerror.Kind
	cmd := command.Create(func(kind rerror.Kind, reply *transport.Reply, err error, priv any) { gotKind = kind }, nil)
	_ = c.Submit(cmd)

	c.Close(false)

	if gotKind != rerror.Connection {
		t.Fatalf("kind = %v, want Connection", gotKind)
	}
	if c.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", c.State())
	}
}

func TestCloseWhileConnectingRequeuesPending(t *testing.T) {
	tr := &fakeTransport{}
	h := &fakeHandler{}
	c := New(testKey(), tr, h)
	_ = c.Connect()

	cmd := command.Create(nil, nil)
	_ = c.Submit(cmd)

	c.Close(true)

	if h.disconnectedCalls != 1 {
		t.Fatalf("HandleDisconnected calls = %d, want 1", h.disconnectedCalls)
	}
	if len(h.requeued) != 1 || h.requeued[0] != cmd {
		t.Fatalf("requeued = %v, want [cmd]", h.requeued)
	}
	if tr.disconnectHits != 1 {
		t.Fatalf("transport Disconnect hits = %d, want 1", tr.disconnectHits)
	}
}

func TestDeliverReplyWithNoHandlerDeliversDirectly(t *testing.T) {
	tr := &fakeTransport{}
	c := New(testKey(), tr, nil)
	_ = c.Connect()
	tr.lastOnConnect(tr.lastHandle, nil)

	var gotKind rerror.Kind
	cmd := command.Create(func(kind rerror.Kind, reply *transport.Reply, err error, priv any) { gotKind = kind }, nil)
	_ = c.Submit(cmd)

	send := tr.sends[0]
	send.onReply(tr.lastHandle, &transport.Reply{Type: transport.ReplyStatus, Status: "OK"}, nil, send.userData)

	if gotKind != rerror.Ok {
		t.Fatalf("kind = %v, want Ok", gotKind)
	}
}
