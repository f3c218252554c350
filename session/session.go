// Package session carries transport messages between networked peers, one
// JSON envelope per line over plain TCP. The host runs a Hub; every guest
// runs a Client pointed at it. The session layer only moves messages: who
// applies what, latency compensation and echo suppression all live in the
// playback package. A failed send is logged and the connection dropped, never
// retried; reconnecting is the guest's decision.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/JaceDashS/tactus/playback"
)

type (
	// Hub is the host side of a session. It accepts guest connections,
	// hands every received message to the handler, and broadcasts outgoing
	// messages to the guests, skipping the peer a message came from.
	Hub struct {
		listener net.Listener
		handler  func(playback.TransportMessage)
		log      *logrus.Entry

		mu     sync.Mutex
		conns  map[net.Conn]*guestConn
		closed bool
	}

	guestConn struct {
		conn net.Conn
		enc  *json.Encoder
		mu   sync.Mutex
		peer string // learned from the first message; empty until then
	}

	// Client is the guest side of a session: one connection to the host.
	Client struct {
		conn    net.Conn
		handler func(playback.TransportMessage)
		log     *logrus.Entry

		mu  sync.Mutex
		enc *json.Encoder
	}
)

// NewHub listens on addr and starts accepting guests. The handler is called
// on a connection's reader goroutine for every message a guest sends; it must
// not block for long. A nil log uses the logrus standard logger.
func NewHub(addr string, handler func(playback.TransportMessage), log *logrus.Logger) (*Hub, error) {
	if handler == nil {
		return nil, errors.New("hub needs a handler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	h := &Hub{
		listener: listener,
		handler:  handler,
		log:      log.WithField("session", "hub"),
		conns:    make(map[net.Conn]*guestConn),
	}
	go h.accept()
	h.log.WithField("addr", listener.Addr().String()).Info("session open")
	return h, nil
}

// Addr returns the address the hub listens on, useful when listening on an
// ephemeral port.
func (h *Hub) Addr() net.Addr { return h.listener.Addr() }

// Broadcast sends a message to every connected guest except the one it is
// from, so a relayed action is never echoed back to its original sender.
func (h *Hub) Broadcast(msg playback.TransportMessage) {
	type target struct {
		g    *guestConn
		peer string
	}
	h.mu.Lock()
	targets := make([]target, 0, len(h.conns))
	for _, g := range h.conns {
		if g.peer != "" && g.peer == msg.From {
			continue
		}
		targets = append(targets, target{g: g, peer: g.peer})
	}
	h.mu.Unlock()
	for _, t := range targets {
		t.g.mu.Lock()
		err := t.g.enc.Encode(msg)
		t.g.mu.Unlock()
		if err != nil {
			h.log.WithError(err).WithField("peer", t.peer).Warn("dropping guest, send failed")
			h.drop(t.g.conn)
		}
	}
}

// Close stops accepting and closes every guest connection.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]net.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	h.listener.Close()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) accept() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if !closed {
				h.log.WithError(err).Warn("accept failed")
			}
			return
		}
		g := &guestConn{conn: conn, enc: json.NewEncoder(conn)}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.conns[conn] = g
		h.mu.Unlock()
		h.log.WithField("remote", conn.RemoteAddr().String()).Info("guest connected")
		go h.serve(g)
	}
}

func (h *Hub) serve(g *guestConn) {
	dec := json.NewDecoder(g.conn)
	for {
		var msg playback.TransportMessage
		if err := dec.Decode(&msg); err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if !closed {
				h.log.WithError(err).WithField("peer", g.peer).Info("guest disconnected")
			}
			h.drop(g.conn)
			return
		}
		if msg.From != "" {
			h.mu.Lock()
			g.peer = msg.From
			h.mu.Unlock()
		}
		h.handler(msg)
	}
}

func (h *Hub) drop(conn net.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

// Join connects to a host. The handler is called on the reader goroutine for
// every message the host sends. A nil log uses the logrus standard logger.
func Join(addr string, handler func(playback.TransportMessage), log *logrus.Logger) (*Client, error) {
	if handler == nil {
		return nil, errors.New("client needs a handler")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("joining %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		handler: handler,
		log:     log.WithField("session", "guest"),
		enc:     json.NewEncoder(conn),
	}
	go c.receive()
	c.log.WithField("addr", addr).Info("joined session")
	return c, nil
}

// Send delivers one message to the host.
func (c *Client) Send(msg playback.TransportMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("sending to host: %w", err)
	}
	return nil
}

// Close closes the connection to the host.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) receive() {
	dec := json.NewDecoder(c.conn)
	for {
		var msg playback.TransportMessage
		if err := dec.Decode(&msg); err != nil {
			c.log.WithError(err).Info("session ended")
			return
		}
		c.handler(msg)
	}
}
