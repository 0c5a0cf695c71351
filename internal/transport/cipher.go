package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// nonceSize is the clear-prefix nonce length written once per connection,
// shared by both directions' HKDF derivation.
const nonceSize = 16

// encryptedConn XORs plaintext against two independent chacha20
// keystreams (one per direction) derived from a shared secret and a
// per-connection nonce via HKDF-SHA256, per the stabilized scheme: the
// accepting side writes the 16-byte clear nonce immediately after
// accept, before anything else crosses the wire, so both ends derive
// identical keystreams before the first framed line.
type encryptedConn struct {
	net.Conn
	enc *chacha20.Cipher // server → worker (s2c)
	dec *chacha20.Cipher // worker → server (c2s)
}

func newEncryptedConn(conn net.Conn, secret []byte) (net.Conn, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		conn.Close()
		return nil, fmt.Errorf("generate transport nonce: %w", err)
	}
	if _, err := conn.Write(nonce); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write transport nonce: %w", err)
	}

	enc, err := deriveCipher(secret, nonce, "s2c")
	if err != nil {
		conn.Close()
		return nil, err
	}
	dec, err := deriveCipher(secret, nonce, "c2s")
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &encryptedConn{Conn: conn, enc: enc, dec: dec}, nil
}

func deriveCipher(secret, nonce []byte, info string) (*chacha20.Cipher, error) {
	kdf := hkdf.New(sha256.New, secret, nonce, []byte(info))
	key := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	streamNonce := make([]byte, chacha20.NonceSize)
	if _, err := io.ReadFull(kdf, streamNonce); err != nil {
		return nil, fmt.Errorf("derive %s nonce: %w", info, err)
	}
	return chacha20.NewUnauthenticatedCipher(key, streamNonce)
}

func (c *encryptedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.dec.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *encryptedConn) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	c.enc.XORKeyStream(buf, p)
	return c.Conn.Write(buf)
}
