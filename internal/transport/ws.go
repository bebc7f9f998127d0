package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsDefaultPath      = "/mesh"
	wsReadLimit        = 16 * 1024 * 1024
	wsHandshakeTimeout = 10 * time.Second
)

// WSCarrier implements Carrier over WebSocket, used as the Wi-Fi Direct
// bearer's default local-link transport. Wi-Fi Direct group members reach
// each other at plain ws:// addresses on the ad-hoc link; there is no
// public network path to secure with TLS, so the AEAD session layer above
// carries the real confidentiality guarantee here.
type WSCarrier struct{}

// NewWSCarrier creates a WSCarrier.
func NewWSCarrier() *WSCarrier { return &WSCarrier{} }

// Dial connects to addr and returns a framed Link.
func (c *WSCarrier) Dial(ctx context.Context, addr string) (Link, error) {
	ctx, cancel := context.WithTimeout(ctx, wsHandshakeTimeout)
	defer cancel()

	url := "ws://" + addr + wsDefaultPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	return &wsLink{conn: conn}, nil
}

// Listen starts an HTTP server accepting WebSocket upgrades at addr.
func (c *WSCarrier) Listen(addr string) (CarrierListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws listen: %w", err)
	}

	l := &wsListener{
		netLn:  ln,
		connCh: make(chan Link, 16),
		stopCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsDefaultPath, l.handle)
	l.server = &http.Server{Handler: mux}

	go l.server.Serve(ln)
	return l, nil
}

type wsListener struct {
	netLn  net.Listener
	server *http.Server
	connCh chan Link
	stopCh chan struct{}
	mu     sync.Mutex
	closed bool
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	select {
	case l.connCh <- &wsLink{conn: conn}:
	case <-l.stopCh:
		conn.Close(websocket.StatusGoingAway, "listener closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.connCh:
		return link, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.stopCh:
		return nil, fmt.Errorf("ws: listener closed")
	}
}

func (l *wsListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopCh)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsLink implements Link over a single WebSocket connection, sending and
// receiving whole binary messages (WebSocket preserves message boundaries,
// so no length-prefix framing is needed).
type wsLink struct {
	conn *websocket.Conn
}

func (l *wsLink) Send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.conn.Write(ctx, websocket.MessageBinary, payload)
}

func (l *wsLink) Recv() ([]byte, error) {
	_, data, err := l.conn.Read(context.Background())
	return data, err
}

func (l *wsLink) RemoteAddr() net.Addr { return nil }

func (l *wsLink) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "link closed")
}
