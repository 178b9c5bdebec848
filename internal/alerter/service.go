package alerter

import (
	"fmt"
	"sync"
	"time"
)

// ClientID identifies a connected worker on the service.
type ClientID uint64

// Message is one framed unit exchanged over the service.
type Message struct {
	Kind Kind
	Data []byte
}

type envelope struct {
	client ClientID
	msg    Message
}

// Service is the local message service between the manager and its workers.
// The manager receives from a single inbox; each connected worker has its
// own job channel. The service only moves framed messages, it does not
// interpret them.
type Service struct {
	inbox chan envelope

	mu      sync.Mutex
	clients map[ClientID]*Conn
	nextID  ClientID
	closed  bool
}

// NewService starts a message service able to buffer size inbound messages.
func NewService(size int) *Service {
	if size < 1 {
		size = 1
	}
	return &Service{
		inbox:   make(chan envelope, size),
		clients: make(map[ClientID]*Conn),
	}
}

// Connect attaches a new client and returns its connection handle.
func (s *Service) Connect() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("service is closed")
	}

	s.nextID++
	conn := &Conn{
		id:      s.nextID,
		service: s,
		jobs:    make(chan Message, 1),
		done:    make(chan struct{}),
	}
	s.clients[conn.id] = conn
	return conn, nil
}

// Recv waits up to timeout for one inbound message. It returns the sending
// client, the message (nil on timeout), and whether the message was already
// pending when Recv was called — the loop uses that for idle accounting.
func (s *Service) Recv(timeout time.Duration) (ClientID, *Message, bool) {
	select {
	case env := <-s.inbox:
		return env.client, &env.msg, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-s.inbox:
		return env.client, &env.msg, false
	case <-timer.C:
		return 0, nil, false
	}
}

// Send delivers a job message to the given client.
func (s *Service) Send(client ClientID, kind Kind, data []byte) error {
	s.mu.Lock()
	conn, ok := s.clients[client]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown client %d", client)
	}

	select {
	case conn.jobs <- Message{Kind: kind, Data: data}:
		return nil
	case <-conn.done:
		return fmt.Errorf("client %d is closed", client)
	}
}

// Close disconnects the given client. Pending job reads on the worker side
// return with ok=false.
func (s *Service) Close(client ClientID) {
	s.mu.Lock()
	conn, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if ok {
		close(conn.done)
	}
}

// Shutdown disconnects every client and refuses new connections.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.clients))
	for id, conn := range s.clients {
		conns = append(conns, conn)
		delete(s.clients, id)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		close(conn.done)
	}
}

// Conn is the worker-side handle of a service connection.
type Conn struct {
	id      ClientID
	service *Service
	jobs    chan Message
	done    chan struct{}
}

// ID returns the client identifier assigned by the service.
func (c *Conn) ID() ClientID {
	return c.id
}

// Send delivers a message from the worker to the manager.
func (c *Conn) Send(kind Kind, data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection is closed")
	default:
	}

	select {
	case c.service.inbox <- envelope{client: c.id, msg: Message{Kind: kind, Data: data}}:
		return nil
	case <-c.done:
		return fmt.Errorf("connection is closed")
	}
}

// Recv blocks until a job message arrives or the connection is closed.
func (c *Conn) Recv() (Message, bool) {
	select {
	case msg := <-c.jobs:
		return msg, true
	case <-c.done:
		// Drain a job that raced with the close.
		select {
		case msg := <-c.jobs:
			return msg, true
		default:
			return Message{}, false
		}
	}
}
