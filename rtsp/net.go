package rtsp

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// connWithTimeout applies a fresh deadline to every read and write. A zero
// timeout leaves that direction unbounded, which is what the control reader
// needs between keepalives.
type connWithTimeout struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	net.Conn
}

func (c *connWithTimeout) Read(p []byte) (n int, err error) {
	if c.ReadTimeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	return c.Conn.Read(p)
}

func (c *connWithTimeout) Write(p []byte) (n int, err error) {
	if c.WriteTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	return c.Conn.Write(p)
}

// readBytesLimited consumes bytes up to and including delim. It fails when
// delim does not show up within n bytes.
func readBytesLimited(rb *bufio.Reader, delim byte, n int) ([]byte, int, error) {
	for i := 1; i <= n; i++ {
		byts, err := rb.Peek(i)
		if err != nil {
			return nil, -1, err
		}

		if byts[len(byts)-1] == delim {
			rb.Discard(len(byts))
			return byts, i, nil
		}
	}

	return nil, -1, fmt.Errorf("rtsp: line length exceeds %d", n)
}

func readByteEqual(rb *bufio.Reader, cmp byte) error {
	byt, err := rb.ReadByte()
	if err != nil {
		return err
	}

	if byt != cmp {
		return fmt.Errorf("rtsp: expected '%c', got '%c'", cmp, byt)
	}

	return nil
}
