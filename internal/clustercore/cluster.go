// Package clustercore is the cluster routing and recovery core: the
// slot table and its refresh protocol, redirection handling (MOVED/
// ASK/CLUSTERDOWN), retry with a bounded ttl, and the deferred-retry
// delay queue used to break tight redirection loops. It consumes an
// external transport.Transport and drives per-master connection.Connection
// state machines; it never touches a socket directly.
package clustercore

import (
	"container/list"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"rdxcluster/internal/command"
	"rdxcluster/internal/connection"
	"rdxcluster/internal/hostkey"
	"rdxcluster/internal/rerror"
	"rdxcluster/internal/slot"
	"rdxcluster/internal/transport"
)

// TableState is the slot table's refresh lifecycle.
type TableState int

const (
	Invalid TableState = iota
	Updating
	Ok
)

func (s TableState) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Updating:
		return "updating"
	case Ok:
		return "ok"
	default:
		return "unknown"
	}
}

type slotRow struct {
	hosts []hostkey.Key
}

type delayEntry struct {
	deadline time.Time
	cmd      *command.Command
}

// Cluster owns the slot table, the connection registry, the
// slot-pending queue and the delay queue. It is single-threaded
// cooperative: every method must run on the same goroutine that drives
// the transport's event loop (spec.md §5) — there is no internal
// locking.
type Cluster struct {
	seed      hostkey.Key
	transport transport.Transport

	slots [slot.Count]slotRow
	state TableState

	connections map[string]*connection.Connection
	slotPending *list.List // of *command.Command
	delay       *list.List // of *delayEntry, ascending deadline

	lastSeen      time.Time
	timerInterval time.Duration
	started       bool

	onConnect      func(conn *connection.Connection)
	onConnected    func(conn *connection.Connection, err error)
	onDisconnected func(conn *connection.Connection)

	rng *rand.Rand

	logInfo  func(string)
	logDebug func(string)
}

// New builds a Cluster that dispatches through tr. Call Init to set the
// seed address, then Start to trigger the first slot refresh.
func New(tr transport.Transport) *Cluster {
	return &Cluster{
		transport:   tr,
		connections: make(map[string]*connection.Connection),
		slotPending: list.New(),
		delay:       list.New(),
		state:       Invalid,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Init stores the seed (bootstrap) address. No I/O is performed.
func (c *Cluster) Init(seed hostkey.Key) { c.seed = seed }

// Start triggers the first slot refresh.
func (c *Cluster) Start() {
	c.started = true
	c.ReloadSlots()
}

// State returns the slot table's lifecycle state.
func (c *Cluster) State() TableState { return c.state }

// SetTimerInterval configures the delay-queue pacing interval used by
// the retry policy (spec.md §4.4.2) and by Proc.
func (c *Cluster) SetTimerInterval(d time.Duration) { c.timerInterval = d }

// IsTimerActive reports whether a nonzero timer interval is configured.
func (c *Cluster) IsTimerActive() bool { return c.timerInterval > 0 }

// SetLogWriter installs optional info/debug log sinks.
func (c *Cluster) SetLogWriter(info, debug func(string)) {
	c.logInfo = info
	c.logDebug = debug
}

func (c *Cluster) logf(debug bool, format string, args ...any) {
	fn := c.logInfo
	if debug {
		fn = c.logDebug
	}
	if fn != nil {
		fn(fmt.Sprintf(format, args...))
	}
}

// SetOnConnect installs the hook fired when a new Connection is first
// created, before the dial completes. Returns the previous hook.
func (c *Cluster) SetOnConnect(fn func(conn *connection.Connection)) func(conn *connection.Connection) {
	prev := c.onConnect
	c.onConnect = fn
	return prev
}

// SetOnConnected installs the hook fired once a dial attempt completes
// (successfully or not). Returns the previous hook.
func (c *Cluster) SetOnConnected(fn func(conn *connection.Connection, err error)) func(conn *connection.Connection, err error) {
	prev := c.onConnected
	c.onConnected = fn
	return prev
}

// SetOnDisconnected installs the hook fired once a Connection tears
// down. Returns the previous hook.
func (c *Cluster) SetOnDisconnected(fn func(conn *connection.Connection)) func(conn *connection.Connection) {
	prev := c.onDisconnected
	c.onDisconnected = fn
	return prev
}

// GetSlotMaster returns the current master for index, or — if index is
// negative — for a randomly chosen slot.
func (c *Cluster) GetSlotMaster(index int) (hostkey.Key, bool) {
	if index < 0 {
		index = c.rng.Intn(slot.Count)
	}
	return c.masterOf(index)
}

func (c *Cluster) masterOf(index int) (hostkey.Key, bool) {
	if index < 0 || index >= slot.Count {
		return hostkey.Key{}, false
	}
	row := c.slots[index]
	if len(row.hosts) == 0 {
		return hostkey.Key{}, false
	}
	return row.hosts[0], true
}

// GetConnection looks up a live connection by its canonical "ip:port" name.
func (c *Cluster) GetConnection(name string) (*connection.Connection, bool) {
	conn, ok := c.connections[name]
	return conn, ok
}

// GetConnectionByAddr looks up a live connection by address.
func (c *Cluster) GetConnectionByAddr(ip string, port uint16) (*connection.Connection, bool) {
	return c.GetConnection(hostkey.Key{IP: ip, Port: port}.Name())
}

// MakeConnection returns the existing connection for key, creating and
// dialing one if absent. This is the corrected create-if-absent,
// reuse-if-present policy (see DESIGN.md Open Question decisions).
func (c *Cluster) MakeConnection(key hostkey.Key) (*connection.Connection, error) {
	if conn, ok := c.connections[key.Name()]; ok {
		return conn, nil
	}
	conn := connection.New(key, c.transport, c)
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	c.connections[key.Name()] = conn
	if c.onConnect != nil {
		c.onConnect(conn)
	}
	return conn, nil
}

// ReleaseConnection evicts and tears down the connection for key, if any.
func (c *Cluster) ReleaseConnection(key hostkey.Key, closeTransport bool) {
	name := key.Name()
	conn, ok := c.connections[name]
	if !ok {
		return
	}
	delete(c.connections, name)
	conn.Close(closeTransport)
}

// --- connection.EventHandler ---

// HandleConnected implements connection.EventHandler.
func (c *Cluster) HandleConnected(conn *connection.Connection, err error) {
	if c.onConnected != nil {
		c.onConnected(conn, err)
	}
}

// HandleDisconnected implements connection.EventHandler. The registry
// snapshot-then-evict discipline (spec.md §5's re-entrancy requirement)
// is upheld because this only ever deletes a single known key, never
// iterates the map.
func (c *Cluster) HandleDisconnected(conn *connection.Connection) {
	delete(c.connections, conn.Key().Name())
	if c.onDisconnected != nil {
		c.onDisconnected(conn)
	}
}

// Requeue implements connection.EventHandler: a command drained from a
// connection's pending-before-connect queue is re-routed through Retry
// without having consumed a network attempt.
func (c *Cluster) Requeue(cmd *command.Command) {
	c.Retry(cmd, nil)
}

// HandleReply implements connection.EventHandler — spec.md §4.4.4's
// redirection table plus the transport-error-routes-through-retry rule.
func (c *Cluster) HandleReply(conn *connection.Connection, cmd *command.Command, reply *transport.Reply, transportErr error) {
	if transportErr != nil {
		c.Retry(cmd, nil)
		return
	}
	if reply != nil && reply.IsError() {
		c.handleErrorReply(cmd, reply.AsServerError())
		return
	}
	cmd.InvokeReply(rerror.Ok, reply, nil)
}

func (c *Cluster) handleErrorReply(cmd *command.Command, se transport.ServerError) {
	switch se.Prefix() {
	case "MOVED":
		addr, slotIdx, ok := parseRedirect(se)
		if !ok {
			cmd.InvokeReply(rerror.HiredisLayer, nil, rerror.WithReply(string(se)))
			return
		}
		c.slots[slotIdx] = slotRow{hosts: []hostkey.Key{addr}}
		c.Retry(cmd, nil)
		c.ReloadSlots()
	case "ASK":
		addr, _, ok := parseRedirect(se)
		if !ok {
			cmd.InvokeReply(rerror.HiredisLayer, nil, rerror.WithReply(string(se)))
			return
		}
		c.dispatchAsking(addr, cmd)
	case "CLUSTERDOWN":
		cmd.InvokeReply(rerror.HiredisLayer, nil, rerror.WithReply(string(se)))
		c.Reset()
	default:
		cmd.InvokeReply(rerror.HiredisLayer, nil, rerror.WithReply(string(se)))
	}
}

func (c *Cluster) dispatchAsking(addr hostkey.Key, cmd *command.Command) {
	conn, err := c.MakeConnection(addr)
	if err != nil {
		cmd.InvokeReply(rerror.Connection, nil, err)
		return
	}
	asking := command.Create(func(kind rerror.Kind, reply *transport.Reply, err error, privateData any) {
		orig, _ := privateData.(*command.Command)
		if orig == nil {
			return
		}
		if kind == rerror.Ok {
			c.Retry(orig, conn)
			return
		}
		orig.InvokeReply(kind, reply, err)
	}, cmd)
	if err := asking.FormatArgs([][]byte{[]byte("ASKING")}); err != nil {
		cmd.InvokeReply(rerror.Create, nil, err)
		return
	}
	if err := conn.Submit(asking); err != nil {
		cmd.InvokeReply(rerror.Connection, nil, err)
	}
}

// parseRedirect parses "MOVED <slot> <ip:port>" / "ASK <slot> <ip:port>".
func parseRedirect(se transport.ServerError) (hostkey.Key, int, bool) {
	fields := strings.Fields(string(se))
	if len(fields) < 3 {
		return hostkey.Key{}, 0, false
	}
	slotIdx, err := strconv.Atoi(fields[1])
	if err != nil || slotIdx < 0 || slotIdx >= slot.Count {
		return hostkey.Key{}, 0, false
	}
	ip, portStr, ok := strings.Cut(fields[2], ":")
	if !ok {
		return hostkey.Key{}, 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return hostkey.Key{}, 0, false
	}
	return hostkey.Key{IP: ip, Port: uint16(port)}, slotIdx, true
}

// --- dispatch (spec.md §4.4.1) ---

// ExecArgs formats argv and dispatches it for key (crc16-hashed to a
// slot; an empty key preserves the command's existing slot).
func (c *Cluster) ExecArgs(key []byte, argv [][]byte, callback command.ReplyFn, privateData any) error {
	cmd := command.Create(callback, privateData)
	if err := cmd.FormatArgs(argv); err != nil {
		cmd.InvokeReply(rerror.Create, nil, err)
		return err
	}
	return c.execCommand(key, cmd)
}

// ExecFormat builds a command from a printf-style command line and
// dispatches it.
func (c *Cluster) ExecFormat(key []byte, callback command.ReplyFn, privateData any, format string, args ...any) error {
	cmd := command.Create(callback, privateData)
	if err := cmd.FormatPrintf(format, args...); err != nil {
		cmd.InvokeReply(rerror.Create, nil, err)
		return err
	}
	return c.execCommand(key, cmd)
}

// ExecCommand dispatches a caller-owned, already-formatted Command.
func (c *Cluster) ExecCommand(key []byte, cmd *command.Command) error {
	return c.execCommand(key, cmd)
}

func (c *Cluster) execCommand(key []byte, cmd *command.Command) error {
	if len(key) > 0 {
		cmd.Slot = slot.Of(key)
	}
	if cmd.TTL <= 0 {
		err := rerror.New(rerror.TtlExceeded, fmt.Errorf("clustercore: command exhausted its retry budget"))
		cmd.InvokeReply(rerror.TtlExceeded, nil, err)
		cmd.Destroy()
		return err
	}
	if c.state != Ok {
		c.slotPending.PushBack(cmd)
		c.ReloadSlots()
		return nil
	}

	master, ok := c.resolveMaster(cmd.Slot)
	if !ok {
		err := rerror.New(rerror.SlotUnavailable, fmt.Errorf("clustercore: no master available for slot %d", cmd.Slot))
		cmd.InvokeReply(rerror.SlotUnavailable, nil, err)
		cmd.Destroy()
		return err
	}

	conn, err := c.MakeConnection(master)
	if err != nil {
		wrapped := rerror.New(rerror.Connection, err)
		cmd.InvokeReply(rerror.Connection, nil, wrapped)
		cmd.Destroy()
		return wrapped
	}

	cmd.TTL--
	return conn.Submit(cmd)
}

func (c *Cluster) resolveMaster(slotIdx int) (hostkey.Key, bool) {
	if master, ok := c.masterOf(slotIdx); ok {
		return master, true
	}
	if master, ok := c.masterOf(c.rng.Intn(slot.Count)); ok {
		return master, true
	}
	if !c.seed.Empty() {
		return c.seed, true
	}
	return hostkey.Key{}, false
}

// --- retry policy (spec.md §4.4.2) ---

// Retry re-dispatches cmd, either immediately or via the delay queue,
// per the ttl/timer gating policy. conn is an optional hint: when set,
// cmd is resubmitted directly to that connection (consuming one network
// attempt) instead of being re-routed through slot resolution.
func (c *Cluster) Retry(cmd *command.Command, conn *connection.Connection) {
	if cmd.TTL <= 0 {
		err := rerror.New(rerror.TtlExceeded, fmt.Errorf("clustercore: command exhausted its retry budget"))
		cmd.InvokeReply(rerror.TtlExceeded, nil, err)
		cmd.Destroy()
		return
	}

	immediate := !c.IsTimerActive() || cmd.TTL > command.DefaultTTL/2
	if !immediate {
		c.scheduleDelay(c.lastSeen.Add(c.timerInterval), cmd)
		return
	}

	if conn != nil {
		cmd.TTL--
		if err := conn.Submit(cmd); err != nil {
			c.execCommand(nil, cmd)
		}
		return
	}
	c.execCommand(nil, cmd)
}

func (c *Cluster) scheduleDelay(deadline time.Time, cmd *command.Command) {
	entry := &delayEntry{deadline: deadline, cmd: cmd}
	for e := c.delay.Back(); e != nil; e = e.Prev() {
		if !e.Value.(*delayEntry).deadline.After(deadline) {
			c.delay.InsertAfter(entry, e)
			return
		}
	}
	c.delay.PushFront(entry)
}

// --- slot refresh (spec.md §4.4.3) ---

// ReloadSlots initiates a CLUSTER SLOTS refresh, coalescing with any
// refresh already in flight. Returns true if a refresh is in flight
// (either just started or already running) after the call.
func (c *Cluster) ReloadSlots() bool {
	if c.state == Updating {
		return true
	}
	target, ok := c.pickRefreshTarget()
	if !ok {
		return false
	}
	conn, err := c.MakeConnection(target)
	if err != nil {
		return false
	}

	cmd := command.Create(c.onSlotsReply, nil)
	if err := cmd.FormatArgs([][]byte{[]byte("CLUSTER"), []byte("SLOTS")}); err != nil {
		return false
	}
	c.state = Updating
	if err := conn.Submit(cmd); err != nil {
		c.state = Invalid
		return false
	}
	return true
}

func (c *Cluster) pickRefreshTarget() (hostkey.Key, bool) {
	if master, ok := c.masterOf(c.rng.Intn(slot.Count)); ok {
		return master, true
	}
	if !c.seed.Empty() {
		return c.seed, true
	}
	return hostkey.Key{}, false
}

func (c *Cluster) onSlotsReply(kind rerror.Kind, reply *transport.Reply, err error, _ any) {
	if kind != rerror.Ok || reply == nil || reply.Type != transport.ReplyArray {
		c.state = Invalid
		c.logf(false, "clustercore: slot refresh failed: %v", err)
		if c.slotPending.Len() > 0 {
			c.ReloadSlots()
		}
		return
	}

	var fresh [slot.Count]slotRow
	for _, rangeReply := range reply.Array {
		row, start, end, ok := parseSlotRange(rangeReply)
		if !ok {
			continue
		}
		for i := start; i <= end && i < slot.Count; i++ {
			fresh[i] = row
		}
	}
	c.slots = fresh
	c.state = Ok
	c.drainSlotPending()
}

// parseSlotRange parses one CLUSTER SLOTS record:
// [start, end, [master_ip, master_port], [replica_ip, replica_port]...].
// Every host entry is read from its own range-array index (the original
// replica-parsing bug — see DESIGN.md Open Question decisions — read a
// fixed index for every host).
func parseSlotRange(r *transport.Reply) (slotRow, int, int, bool) {
	if r == nil || r.Type != transport.ReplyArray || len(r.Array) < 3 {
		return slotRow{}, 0, 0, false
	}
	start, ok1 := asInt(r.Array[0])
	end, ok2 := asInt(r.Array[1])
	if !ok1 || !ok2 || start < 0 || end < start {
		return slotRow{}, 0, 0, false
	}
	hosts := make([]hostkey.Key, 0, len(r.Array)-2)
	for i := 2; i < len(r.Array); i++ {
		key, ok := asHostKey(r.Array[i])
		if !ok {
			continue
		}
		hosts = append(hosts, key)
	}
	if len(hosts) == 0 {
		return slotRow{}, 0, 0, false
	}
	return slotRow{hosts: hosts}, start, end, true
}

func asInt(r *transport.Reply) (int, bool) {
	if r == nil || r.Type != transport.ReplyInteger {
		return 0, false
	}
	return int(r.Integer), true
}

func asHostKey(r *transport.Reply) (hostkey.Key, bool) {
	if r == nil || r.Type != transport.ReplyArray || len(r.Array) < 2 {
		return hostkey.Key{}, false
	}
	ipReply := r.Array[0]
	portReply := r.Array[1]
	if ipReply == nil || ipReply.Type != transport.ReplyBulk {
		return hostkey.Key{}, false
	}
	var port int64
	switch portReply.Type {
	case transport.ReplyInteger:
		port = portReply.Integer
	case transport.ReplyBulk:
		p, err := strconv.ParseInt(string(portReply.Bulk), 10, 32)
		if err != nil {
			return hostkey.Key{}, false
		}
		port = p
	default:
		return hostkey.Key{}, false
	}
	return hostkey.Key{IP: string(ipReply.Bulk), Port: uint16(port)}, true
}

func (c *Cluster) drainSlotPending() {
	for e := c.slotPending.Front(); e != nil; {
		next := e.Next()
		cmd := e.Value.(*command.Command)
		c.slotPending.Remove(e)
		e = next
		c.Retry(cmd, nil)
	}
}

// --- tick (spec.md §4.4.5) ---

// Proc records now as the last-seen wall time and re-dispatches every
// delay-queue entry whose deadline has passed. Returns the count
// re-dispatched.
func (c *Cluster) Proc(now time.Time) int {
	c.lastSeen = now
	var fired int
	for e := c.delay.Front(); e != nil; {
		de := e.Value.(*delayEntry)
		if de.deadline.After(now) {
			break
		}
		next := e.Next()
		c.delay.Remove(e)
		e = next
		fired++
		c.execCommand(nil, de.cmd)
	}
	return fired
}

// --- reset (spec.md §4.4.6) ---

// Reset tears down every connection, fails every queued command, clears
// the slot table, and marks it Invalid. Idempotent.
//
// Queued commands are drained before any connection is closed: closing
// a connection can synchronously fail an in-flight CLUSTER SLOTS reply,
// whose callback (onSlotsReply) would otherwise see a non-empty
// slot-pending queue and re-trigger a refresh mid-reset.
func (c *Cluster) Reset() {
	slotErr := rerror.New(rerror.SlotUnavailable, fmt.Errorf("clustercore: reset with commands still queued"))
	for e := c.slotPending.Front(); e != nil; e = e.Next() {
		cmd := e.Value.(*command.Command)
		cmd.InvokeReply(rerror.SlotUnavailable, nil, slotErr)
		cmd.Destroy()
	}
	c.slotPending.Init()

	timeoutErr := rerror.New(rerror.Timeout, fmt.Errorf("clustercore: reset abandoned delayed retry"))
	for e := c.delay.Front(); e != nil; e = e.Next() {
		de := e.Value.(*delayEntry)
		de.cmd.InvokeReply(rerror.Timeout, nil, timeoutErr)
		de.cmd.Destroy()
	}
	c.delay.Init()

	// Snapshot keys before iterating: closing one connection can run user
	// callbacks that call back into the cluster (spec.md §5 re-entrancy).
	names := make([]string, 0, len(c.connections))
	for name := range c.connections {
		names = append(names, name)
	}
	for _, name := range names {
		if conn, ok := c.connections[name]; ok {
			delete(c.connections, name)
			conn.Close(true)
		}
	}

	c.slots = [slot.Count]slotRow{}
	c.state = Invalid
}
