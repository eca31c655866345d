// Package hostkey normalizes a (ip, port) pair into the canonical
// identity used for connection registry lookups and equality.
package hostkey

import "strconv"

// Key identifies one cluster node.
type Key struct {
	IP   string
	Port uint16
}

// Name returns the canonical "ip:port" form used as a map key.
func (k Key) Name() string {
	return k.IP + ":" + strconv.FormatUint(uint64(k.Port), 10)
}

// Empty reports whether the key carries no address.
func (k Key) Empty() bool {
	return k.IP == ""
}

// Equal reports whether two keys name the same node.
func (k Key) Equal(other Key) bool {
	return k.IP == other.IP && k.Port == other.Port
}
