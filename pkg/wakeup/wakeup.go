// Package wakeup implements a best-effort wake signal between the short-lived
// producer processes and the single long-running mutation worker. A producer
// sends a UDP datagram to a loopback port after inserting a mutation record;
// the worker waits on that port with a timeout instead of sleeping out its
// full poll interval. Delivery is not guaranteed and does not need to be: a
// lost datagram only means the worker notices the record on its next poll.
package wakeup

import (
	"fmt"
	"net"
	"sync"
	"time"
)

const maxDatagram = 16

// Sync is one wake channel, identified by its loopback port. Producers call
// Ping, the single worker calls WaitForPing. Safe for concurrent use.
type Sync struct {
	addr string

	mu   sync.Mutex
	conn *net.UDPConn
}

// New returns a Sync bound to the given loopback port. The listening socket
// is not created until the first WaitForPing call, so producers never hold
// the port.
func New(port int) *Sync {
	return &Sync{addr: fmt.Sprintf("127.0.0.1:%d", port)}
}

// Ping notifies the listening worker, if any. It never blocks and never
// reports failure; with nobody listening the datagram is simply dropped.
func (s *Sync) Ping() {
	conn, err := net.Dial("udp", s.addr)
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write([]byte{1})
}

// WaitForPing blocks up to timeout for a notification. Multiple pings queued
// before the call coalesce into a single true result. When the port is
// already bound by another process the wait degrades to a plain sleep and
// returns false; the worker then relies on polling alone.
func (s *Sync) WaitForPing(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}

	conn := s.listener()
	if conn == nil {
		time.Sleep(timeout)
		return false
	}

	buf := make([]byte, maxDatagram)
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	if _, _, err := conn.ReadFromUDP(buf); err != nil {
		return false
	}

	// coalesce: consume everything else already queued on the socket
	for {
		_ = conn.SetReadDeadline(time.Now())
		if _, _, err := conn.ReadFromUDP(buf); err != nil {
			break
		}
	}
	return true
}

// Close releases the listening socket when one was bound.
func (s *Sync) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Sync) listener() *net.UDPConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn
	}

	udpAddr, err := net.ResolveUDPAddr("udp", s.addr)
	if err != nil {
		return nil
	}

	// bind can fail when a second worker instance was started by mistake;
	// that instance keeps working via its poll interval
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil
	}

	s.conn = conn
	return conn
}
