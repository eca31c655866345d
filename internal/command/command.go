// Package command owns a single in-flight request: its formatted wire
// payload, the user's callback, private data, a retry-budget counter,
// and the slot it was last dispatched against.
package command

import (
	"fmt"

	"rdxcluster/internal/rerror"
	"rdxcluster/internal/transport"
)

// DefaultTTL is the number of network attempts a command may incur
// across redirections and retries before being failed with
// rerror.TtlExceeded.
const DefaultTTL = 16

// ReplyFn is invoked exactly once with the outcome of a command: kind
// classifies the outcome, reply is the parsed RESP value on success (nil
// on any error outcome), and err wraps the underlying cause — for a
// protocol-level error reply (MOVED/ASK/CLUSTERDOWN/other), the raw
// error string is recovered via rerror's Reply field on err.
type ReplyFn func(kind rerror.Kind, reply *transport.Reply, err error, privateData any)

// Command is the unit of work dispatched by the cluster router. At any
// moment it is owned by exactly one of: the caller (not yet submitted),
// the slot-pending queue, a connection's pending-before-connect queue,
// a connection's in-flight queue, or the delay queue. Moving it between
// owners is a move, never a copy-with-two-owners.
type Command struct {
	Payload []byte
	Slot    int
	TTL     int

	privateData any
	callback    ReplyFn
	invoked     bool
}

// Create builds a Command with the default ttl. The callback may be nil,
// in which case invocation is a no-op.
func Create(callback ReplyFn, privateData any) *Command {
	return &Command{
		TTL:         DefaultTTL,
		callback:    callback,
		privateData: privateData,
	}
}

// PrivateData returns the opaque data associated with the command.
func (c *Command) PrivateData() any { return c.privateData }

// HasCallback reports whether the command carries a callback that
// InvokeReply has not yet fired. It is false for a nil callback.
func (c *Command) HasCallback() bool { return !c.invoked && c.callback != nil }

// FormatArgs builds the Command's payload from an argv/argvlen style
// command (e.g. {"SET", "foo", "bar"}), RESP-array-of-bulk-strings
// encoded. It fails with rerror.Create if argv is empty.
func (c *Command) FormatArgs(argv [][]byte) error {
	if len(argv) == 0 {
		return rerror.New(rerror.Create, fmt.Errorf("command: empty argv"))
	}
	c.Payload = transport.EncodeCommand(argv)
	return nil
}

// FormatPrintf builds the Command's payload from a printf-style command
// line, splitting on whitespace the way redis command-line tools do
// (e.g. "SET foo bar"). It fails with rerror.Create on an empty result.
func (c *Command) FormatPrintf(format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	argv := splitArgs(line)
	if len(argv) == 0 {
		return rerror.New(rerror.Create, fmt.Errorf("command: empty formatted command"))
	}
	bs := make([][]byte, len(argv))
	for i, a := range argv {
		bs[i] = []byte(a)
	}
	c.Payload = transport.EncodeCommand(bs)
	return nil
}

// InvokeReply delivers the outcome to the user callback exactly once.
// After the first call, the callback slot is cleared so Destroy cannot
// fire it a second time.
func (c *Command) InvokeReply(kind rerror.Kind, reply *transport.Reply, err error) {
	if c.invoked {
		return
	}
	c.invoked = true
	cb := c.callback
	c.callback = nil
	if cb != nil {
		cb(kind, reply, err, c.privateData)
	}
}

// Destroy releases the command. If its callback is still armed (i.e.
// InvokeReply was never called), it is invoked with rerror.Unknown
// first, so no caller observes silent loss — this is the defensive path
// spec.md §4.2 requires.
func (c *Command) Destroy() {
	if c.HasCallback() {
		c.InvokeReply(rerror.Unknown, nil, fmt.Errorf("command: destroyed without a delivered reply"))
	}
}

// splitArgs tokenizes a command line on whitespace. It does not support
// quoting — callers needing binary-safe or quoted arguments should use
// FormatArgs instead.
func splitArgs(line string) []string {
	var out []string
	start := -1
	for i, r := range line {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				out = append(out, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, line[start:])
	}
	return out
}
