package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 10 * time.Second

	// defaultWriteTimeout applies when a send carries no deadline.
	defaultWriteTimeout = 10 * time.Second
)

// Link is one established connection to the engine. Send may be called from
// many goroutines; Receive is called by a single reader goroutine.
type Link interface {
	Send(ctx context.Context, msg *Message) error
	Receive() (*Message, error)
	Close() error
}

// Dialer opens a new Link to the engine.
type Dialer func(ctx context.Context) (Link, error)

// NewDialer returns a Dialer for the engine URL. Supported schemes are
// unix:///path/to.sock and tcp://host:port (length-prefixed JSON frames) and
// ws:// or wss:// (JSON text messages).
func NewDialer(rawURL string) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse engine url: %w", err)
	}

	switch u.Scheme {
	case "unix":
		path := u.Path
		if path == "" {
			return nil, fmt.Errorf("engine url %q has no socket path", rawURL)
		}
		return func(ctx context.Context) (Link, error) {
			return DialSocket(ctx, "unix", path)
		}, nil
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("engine url %q has no host", rawURL)
		}
		host := u.Host
		return func(ctx context.Context) (Link, error) {
			return DialSocket(ctx, "tcp", host)
		}, nil
	case "ws", "wss":
		return func(ctx context.Context) (Link, error) {
			return DialWebSocket(ctx, rawURL)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported engine url scheme %q", u.Scheme)
	}
}

// socketLink speaks length-prefixed JSON frames over a stream connection.
type socketLink struct {
	conn   net.Conn
	reader io.Reader

	writeMu sync.Mutex
}

// DialSocket connects to the engine over a unix or tcp stream socket.
func DialSocket(ctx context.Context, network, addr string) (Link, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s %s: %w", network, addr, err)
	}
	return NewSocketLink(conn), nil
}

// NewSocketLink wraps an established stream connection.
func NewSocketLink(conn net.Conn) Link {
	return &socketLink{conn: conn, reader: bufio.NewReader(conn)}
}

func (l *socketLink) Send(ctx context.Context, msg *Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(l.conn, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (l *socketLink) Receive() (*Message, error) {
	var msg Message
	if err := ReadFrame(l.reader, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (l *socketLink) Close() error {
	return l.conn.Close()
}

// wsLink speaks JSON text messages over a websocket.
type wsLink struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebSocket connects to the engine's websocket endpoint.
func DialWebSocket(ctx context.Context, rawURL string) (Link, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return NewWebSocketLink(conn), nil
}

// NewWebSocketLink wraps an established websocket connection.
func NewWebSocketLink(conn *websocket.Conn) Link {
	return &wsLink{conn: conn}
}

func (l *wsLink) Send(ctx context.Context, msg *Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.conn.SetWriteDeadline(writeDeadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := l.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (l *wsLink) Receive() (*Message, error) {
	var msg Message
	if err := l.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (l *wsLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func writeDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultWriteTimeout)
}
