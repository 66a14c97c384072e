package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/haasonsaas/livewire/internal/wire"
)

// LineDialer connects to a TCP endpoint speaking newline-delimited JSON.
// Addresses may carry a tcp:// prefix.
type LineDialer struct {
	KeepAlive bool
}

// Dial opens a TCP connection to addr.
func (d *LineDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	var dialer net.Dialer
	if !d.KeepAlive {
		dialer.KeepAlive = -1
	}
	conn, err := dialer.DialContext(ctx, "tcp", strings.TrimPrefix(addr, "tcp://"))
	if err != nil {
		return nil, err
	}
	return NewLineConn(conn), nil
}

// NewLineConn wraps an established stream connection.
func NewLineConn(conn net.Conn) Conn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), wire.MaxFrameBytes)
	return &lineConn{conn: conn, scanner: scanner}
}

type lineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writeMu sync.Mutex
}

func (c *lineConn) ReadFrame() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *lineConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}
