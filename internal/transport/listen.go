package transport

import (
	"crypto/tls"
	"net"
)

// ListenPlain binds a plain-TCP acceptor on addr.
func ListenPlain(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ListenTLS binds a TLS acceptor on addr using the given server config,
// built by internal/certs from pem_path/key_path.
func ListenTLS(addr string, cfg *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, cfg), nil
}

// ListenEncrypted binds a plain-TCP acceptor whose accepted connections
// are wrapped in the XOR stream cipher keyed from secret (see cipher.go
// for the stabilized KDF/framing scheme).
func ListenEncrypted(addr string, secret []byte) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &encryptedListener{Listener: ln, secret: secret}, nil
}

type encryptedListener struct {
	net.Listener
	secret []byte
}

func (l *encryptedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newEncryptedConn(conn, l.secret)
}
