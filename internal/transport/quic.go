package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	quicALPN              = "meshcore/1"
	quicMaxIdleTimeout    = 60 * time.Second
	quicKeepAlivePeriod   = 30 * time.Second
	quicMaxFrameLen       = 1 << 20 // 1 MiB, generous over the assembled-message cap
	quicFrameLengthPrefix = 4
)

// QUICCarrier implements Carrier over QUIC, an alternate carrier for the
// Wi-Fi Direct bearer in deployments that prefer QUIC's built-in
// connection migration over plain WebSocket. Each connection opens a
// single bidirectional stream framed with a 4-byte big-endian length
// prefix, since a QUIC stream (unlike a WebSocket connection) has no
// built-in message boundaries.
type QUICCarrier struct {
	tlsConfig *tls.Config
}

// NewQUICCarrier creates a QUICCarrier. tlsConfig may be nil, in which case
// an ephemeral self-signed-equivalent insecure config is used — the Wi-Fi
// Direct link is a local ad-hoc group with no public exposure, and the AEAD
// session layer above provides the real confidentiality guarantee.
func NewQUICCarrier(tlsConfig *tls.Config) *QUICCarrier {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
			MinVersion:         tls.VersionTLS13,
		}
	}
	return &QUICCarrier{tlsConfig: tlsConfig}
}

func (c *QUICCarrier) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:     quicMaxIdleTimeout,
		KeepAlivePeriod:    quicKeepAlivePeriod,
		MaxIncomingStreams: 1,
	}
}

// Dial connects to addr and opens the single framed stream.
func (c *QUICCarrier) Dial(ctx context.Context, addr string) (Link, error) {
	conn, err := quic.DialAddr(ctx, addr, c.tlsConfig, c.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}

	return &quicLink{conn: conn, stream: stream}, nil
}

// Listen starts a QUIC listener at addr.
func (c *QUICCarrier) Listen(addr string) (CarrierListener, error) {
	if len(c.tlsConfig.NextProtos) == 0 {
		c.tlsConfig = c.tlsConfig.Clone()
		c.tlsConfig.NextProtos = []string{quicALPN}
	}

	ln, err := quic.ListenAddr(addr, c.tlsConfig, c.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	return &quicListener{listener: ln}, nil
}

type quicListener struct {
	listener *quic.Listener
	mu       sync.Mutex
	closed   bool
}

func (l *quicListener) Accept(ctx context.Context) (Link, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream accept failed")
		return nil, fmt.Errorf("quic accept stream: %w", err)
	}

	return &quicLink{conn: conn, stream: stream}, nil
}

func (l *quicListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// quicLink implements Link over a single length-prefixed QUIC stream.
type quicLink struct {
	conn   quic.Connection
	stream quic.Stream

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func (l *quicLink) Send(payload []byte) error {
	if len(payload) > quicMaxFrameLen {
		return fmt.Errorf("quic: frame of %d bytes exceeds max %d", len(payload), quicMaxFrameLen)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	var header [quicFrameLengthPrefix]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := l.stream.Write(header[:]); err != nil {
		return err
	}
	_, err := l.stream.Write(payload)
	return err
}

func (l *quicLink) Recv() ([]byte, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	var header [quicFrameLengthPrefix]byte
	if _, err := io.ReadFull(l.stream, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > quicMaxFrameLen {
		return nil, fmt.Errorf("quic: frame length %d exceeds max %d", n, quicMaxFrameLen)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(l.stream, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (l *quicLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *quicLink) Close() error {
	l.stream.CancelRead(0)
	l.stream.Close()
	return l.conn.CloseWithError(0, "link closed")
}
