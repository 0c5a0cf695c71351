// Package certs loads the TLS server certificate used by the TLS
// acceptor from PEM files named in configuration.
package certs

import (
	"crypto/tls"
	"fmt"
)

// LoadError distinguishes certificate/key load failures from other
// fatal startup errors so the orchestrator can map it to exit code 1.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load TLS material %s: %v", e.Path, e.Err)
}
func (e *LoadError) Unwrap() error { return e.Err }

// LoadTLSConfig reads a PEM certificate/key pair and builds a minimal
// server-side *tls.Config for the TLS acceptor.
func LoadTLSConfig(pemPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(pemPath, keyPath)
	if err != nil {
		return nil, &LoadError{Path: pemPath, Err: err}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
