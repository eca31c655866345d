package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"rdxcluster/internal/hostkey"
)

// startEchoServer starts a TCP server that, for every request, replies
// +OK, and returns its address and a stop function.
func startEchoServer(t *testing.T) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := make([]byte, 4096)
				for {
					n, err := c.Read(reader)
					if err != nil {
						return
					}
					_ = n
					c.Write([]byte("+OK\r\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestTCPConnectorRoundTrip(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	host, portStr, _ := net.SplitHostPort(addr)
	var port uint16
	for _, c := range portStr {
		port = port*10 + uint16(c-'0')
	}

	tr := NewTCPConnector(time.Second)

	connected := make(chan error, 1)
	var h Handle
	h = tr.Connect(hostkey.Key{IP: host, Port: port}, func(hh Handle, err error) {
		h = hh
		connected <- err
	})

	select {
	case err := <-connected:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var gotReply *Reply
	var gotErr error
	ok := tr.SendFormatted(h, encodeCommand([][]byte{[]byte("PING")}), nil, func(hh Handle, reply *Reply, err error, userData any) {
		gotReply = reply
		gotErr = err
		wg.Done()
	})
	if !ok {
		t.Fatal("SendFormatted rejected")
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	if gotErr != nil {
		t.Fatalf("unexpected err: %v", gotErr)
	}
	if gotReply.Type != ReplyStatus || gotReply.Status != "OK" {
		t.Fatalf("got %+v", gotReply)
	}
}

func TestTCPConnectorRejectsSendAfterDisconnect(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()
	host, portStr, _ := net.SplitHostPort(addr)
	var port uint16
	for _, c := range portStr {
		port = port*10 + uint16(c-'0')
	}

	tr := NewTCPConnector(time.Second)
	connected := make(chan Handle, 1)
	tr.Connect(hostkey.Key{IP: host, Port: port}, func(hh Handle, err error) {
		connected <- hh
	})
	h := <-connected

	tr.Disconnect(h, nil)

	time.Sleep(100 * time.Millisecond)
	ok := tr.SendFormatted(h, encodeCommand([][]byte{[]byte("PING")}), nil, func(Handle, *Reply, error, any) {})
	if ok {
		t.Fatal("expected SendFormatted to be rejected after Disconnect")
	}
}
