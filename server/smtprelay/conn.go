package smtprelay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/sendlix/smtp-relay/server"
)

const (
	DefaultReadTimeout    = 30 * time.Second
	DefaultMaxMessageSize = 200 * 1024
	MaxLineLength         = 4096
)

var (
	ErrReadTimeout      = errors.New("read operation timed out")
	ErrConnectionClosed = errors.New("connection closed")
	ErrMessageTooLarge  = errors.New("message size exceeds limit")
	ErrLineTooLong      = errors.New("line too long")
)

// pastDeadline unblocks a pending read immediately.
var pastDeadline = time.Unix(1, 0)

// Conn reads CRLF terminated lines from a client and writes replies. Every
// read is bounded by the read timeout and by the caller's context. With an
// idle timeout set, a read also fails once the connection has seen no line
// in either direction for that long.
type Conn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	readTimeout  time.Duration
	idleTimeout  time.Duration
	lastActivity atomic.Int64
	closed       atomic.Bool
}

func NewConn(conn net.Conn, readTimeout time.Duration) *Conn {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	c := &Conn{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		readTimeout: readTimeout,
	}
	c.touch()
	return c
}

// SetIdleTimeout limits how long the connection may stay silent. 0 disables it.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	c.idleTimeout = d
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// readDeadline is the earlier of the read timeout and the idle limit.
func (c *Conn) readDeadline() time.Time {
	deadline := time.Now().Add(c.readTimeout)
	if c.idleTimeout > 0 {
		idle := time.Unix(0, c.lastActivity.Load()).Add(c.idleTimeout)
		if idle.Before(deadline) {
			deadline = idle
		}
	}
	return deadline
}

// ReadLine returns the next line without its line ending.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	line, tooLong, err := c.read(ctx, MaxLineLength+2)
	if err != nil {
		return "", err
	}
	if tooLong {
		return "", ErrLineTooLong
	}
	return string(line), nil
}

// ReadData reads a message body up to the lone "." terminator, undoing dot
// stuffing. Each stored line is followed by CRLF. When the body grows beyond
// maxBytes the rest of it is still consumed so the connection stays in sync,
// and ErrMessageTooLarge is returned.
func (c *Conn) ReadData(ctx context.Context, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageSize
	}

	var buf bytes.Buffer
	overflow := false
	for {
		line, tooLong, err := c.read(ctx, maxBytes+2)
		if err != nil {
			return nil, err
		}
		if !tooLong && len(line) == 1 && line[0] == '.' {
			break
		}
		if overflow {
			continue
		}
		if tooLong {
			overflow = true
			buf.Reset()
			continue
		}

		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		buf.Write(line)
		buf.WriteString("\r\n")

		if buf.Len() > maxBytes {
			overflow = true
			buf.Reset()
		}
	}

	if overflow {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

// WriteLine sends text followed by CRLF. Write failures mark the connection
// closed and are otherwise ignored.
func (c *Conn) WriteLine(text string) {
	if c.closed.Load() {
		return
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.readTimeout))
	if _, err := c.writer.WriteString(text + "\r\n"); err != nil {
		c.closed.Store(true)
		return
	}
	if err := c.writer.Flush(); err != nil {
		c.closed.Store(true)
		return
	}
	c.touch()
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) read(ctx context.Context, limit int) ([]byte, bool, error) {
	if c.closed.Load() {
		return nil, false, ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
		c.closed.Store(true)
		return nil, false, ErrConnectionClosed
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(pastDeadline)
	})
	line, tooLong, err := c.readRaw(limit)
	stop()

	if err == nil {
		c.touch()
		return line, tooLong, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, false, ErrReadTimeout
	}

	c.closed.Store(true)
	if server.IsConnectionError(err) {
		return nil, false, ErrConnectionClosed
	}
	return nil, false, err
}

// readRaw consumes one line. Lines longer than limit (line ending included)
// are consumed completely but only reported as too long.
func (c *Conn) readRaw(limit int) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, false, err
	}

	if tooLong {
		return nil, true, nil
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, false, nil
}
