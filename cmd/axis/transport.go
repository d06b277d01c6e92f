package main

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/axismesh/axis/internal/pool"
)

// frameTransport writes length-prefixed frames over a stream connection.
// One transport serves one pooled connection; writes are serialized.
type frameTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

// dialTransport is the pool's connection factory: the protocol profile id
// picks the wire flavor, the endpoint is host:port.
func dialTransport(ctx context.Context, protocol, endpoint string) (pool.Transport, error) {
	d := net.Dialer{}
	network := "tcp"
	if protocol == "datagram" {
		network = "udp"
	}
	conn, err := d.DialContext(ctx, network, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", protocol, endpoint, err)
	}
	if protocol == "secure_stream" {
		host, _, splitErr := net.SplitHostPort(endpoint)
		if splitErr != nil {
			host = endpoint
		}
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake %s: %w", endpoint, err)
		}
		conn = tlsConn
	}
	return &frameTransport{conn: conn}, nil
}

func (t *frameTransport) Write(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer t.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := t.conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := t.conn.Write(frame)
	return err
}

// Ping writes an empty frame, which peers treat as a keepalive.
func (t *frameTransport) Ping(ctx context.Context) error {
	return t.Write(ctx, nil)
}

func (t *frameTransport) Close() error {
	return t.conn.Close()
}
