// Package transport provides the three worker-facing acceptors (plain,
// TLS, encrypted) and a uniform line-framed connection wrapper.
package transport

import (
	"bufio"
	"net"
)

// Framed wraps a net.Conn with a line reader and serializes writes the
// same way regardless of which acceptor produced the connection.
type Framed struct {
	net.Conn
	r *bufio.Reader
}

// NewFramed wraps conn for line-delimited reads.
func NewFramed(conn net.Conn) *Framed {
	return &Framed{Conn: conn, r: bufio.NewReader(conn)}
}

// ReadLine returns the next 0x0A-delimited frame, stripped of the
// delimiter. Per the framing edge case, a trailing partial line with no
// delimiter observed before EOF is discarded rather than returned.
func (f *Framed) ReadLine() ([]byte, error) {
	line, err := f.r.ReadBytes('\n')
	if err != nil {
		// ReadBytes returns any bytes read so far alongside the error;
		// an EOF-terminated partial line is never delimited, so it is
		// discarded here rather than handed to the caller.
		return nil, err
	}
	return line[:len(line)-1], nil
}

// WriteLine writes data verbatim; data is expected to already carry its
// own trailing 0x0A (the protocol package's Encode* helpers append one).
func (f *Framed) WriteLine(data []byte) error {
	_, err := f.Conn.Write(data)
	return err
}
