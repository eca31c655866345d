package transport

import "rdxcluster/internal/hostkey"

// Serialize wraps tr so every callback tr invokes (OnConnected, OnReply,
// OnDisconnected) is handed to post instead of being invoked directly.
// The cluster routing core assumes a single-threaded cooperative caller
// (no internal locking); a real Transport delivers from its own
// goroutines (dial, read, write loops), so whoever owns the Cluster
// must run a single dispatch loop and pass its enqueue function here —
// the same callCh/spin() shape kevwan-radix.v2's cluster client uses to
// serialize pool access onto one goroutine.
func Serialize(tr Transport, post func(func())) Transport {
	return &serializingTransport{tr: tr, post: post}
}

type serializingTransport struct {
	tr   Transport
	post func(func())
}

func (s *serializingTransport) Connect(key hostkey.Key, onConnected OnConnected) Handle {
	return s.tr.Connect(key, func(h Handle, err error) {
		s.post(func() { onConnected(h, err) })
	})
}

func (s *serializingTransport) SendFormatted(h Handle, payload []byte, userData any, onReply OnReply) bool {
	return s.tr.SendFormatted(h, payload, userData, func(h Handle, reply *Reply, err error, userData any) {
		s.post(func() { onReply(h, reply, err, userData) })
	})
}

func (s *serializingTransport) Disconnect(h Handle, onDisconnected OnDisconnected) {
	s.tr.Disconnect(h, func(h Handle, err error) {
		if onDisconnected == nil {
			return
		}
		s.post(func() { onDisconnected(h, err) })
	})
}
