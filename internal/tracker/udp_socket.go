package tracker

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the socket operations used by the UDP clients.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// WriteToUDP sends a datagram to addr.
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP binds a new UDP socket. *net.UDPConn satisfies UDPSocket directly.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// isTimeout reports whether err is a read deadline expiry.
func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// MockUDPPacket is a datagram queued on a MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockUDPSocket implements UDPSocket for tests. Packets queued with Push are
// returned in order; with nothing queued, reads block until the deadline,
// a Push or Close. Responder, when set, is called for every write and its
// replies are queued as if sent by the peer.
type MockUDPSocket struct {
	mu       sync.Mutex
	packets  []MockUDPPacket
	notify   chan struct{}
	closedCh chan struct{}
	closed   bool
	deadline time.Time

	// Responder produces device replies for each datagram written.
	Responder func(data []byte) [][]byte
	// Peer is the source address of responder replies.
	Peer *net.UDPAddr
	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// WriteError is returned by every WriteToUDP call if set.
	WriteError error

	writes         []MockUDPPacket
	readBufferSize int
}

// NewMockUDPSocket creates a mock socket preloaded with packets.
func NewMockUDPSocket(packets ...MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets:  packets,
		notify:   make(chan struct{}, 1),
		closedCh: make(chan struct{}),
		Peer:     &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: DefaultDevicePort},
		LocalAddress: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: DefaultLocalPort,
		},
	}
}

// Push queues packets as if received from the peer.
func (m *MockUDPSocket) Push(data ...string) {
	m.mu.Lock()
	for _, d := range data {
		m.packets = append(m.packets, MockUDPPacket{Data: []byte(d), Addr: m.Peer})
	}
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// ReadFromUDP returns the next queued packet.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, nil, net.ErrClosed
		}
		if len(m.packets) > 0 {
			pkt := m.packets[0]
			m.packets = m.packets[1:]
			m.mu.Unlock()
			return copy(b, pkt.Data), pkt.Addr, nil
		}
		deadline := m.deadline
		m.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
			}
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		expired := false
		select {
		case <-m.notify:
		case <-m.closedCh:
		case <-timeout:
			expired = true
		}
		if timer != nil {
			timer.Stop()
		}
		if expired {
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
		}
	}
}

// WriteToUDP records the datagram and queues any responder replies.
func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, net.ErrClosed
	}
	if m.WriteError != nil {
		m.mu.Unlock()
		return 0, m.WriteError
	}
	data := append([]byte(nil), b...)
	m.writes = append(m.writes, MockUDPPacket{Data: data, Addr: addr})
	responder := m.Responder
	m.mu.Unlock()

	if responder != nil {
		var replies []string
		for _, r := range responder(data) {
			replies = append(replies, string(r))
		}
		if len(replies) > 0 {
			m.Push(replies...)
		}
	}
	return len(b), nil
}

// Writes returns the datagrams written so far, as strings.
func (m *MockUDPSocket) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	for i, w := range m.writes {
		out[i] = string(w.Data)
	}
	return out
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.readBufferSize = bytes
	m.mu.Unlock()
	return nil
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.deadline = t
	m.mu.Unlock()
	return nil
}

// Close marks the socket closed and wakes blocked readers.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	mu sync.Mutex
	// Socket is the socket to return from ListenUDP.
	Socket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// ListenCalls records all ListenUDP calls.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Network: network, Addr: laddr})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
