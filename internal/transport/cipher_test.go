package transport

import (
	"io"
	"net"
	"testing"
)

// TestEncryptedConnRoundTrip exercises both directions of the stabilized
// scheme: the accepting side emits the clear nonce first, then both
// peers derive matching per-direction keystreams from it.
func TestEncryptedConnRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	secret := []byte("test-pre-shared-secret")

	srvDone := make(chan error, 1)
	var srvConn net.Conn
	go func() {
		var err error
		srvConn, err = newEncryptedConn(server, secret)
		srvDone <- err
	}()

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(client, nonce); err != nil {
		t.Fatalf("read nonce: %v", err)
	}
	if err := <-srvDone; err != nil {
		t.Fatalf("server-side setup: %v", err)
	}

	// client's decrypt stream mirrors the server's encrypt stream (s2c),
	// client's encrypt stream mirrors the server's decrypt stream (c2s).
	clientDecryptsServer, err := deriveCipher(secret, nonce, "s2c")
	if err != nil {
		t.Fatalf("derive s2c cipher: %v", err)
	}
	clientEncryptsToServer, err := deriveCipher(secret, nonce, "c2s")
	if err != nil {
		t.Fatalf("derive c2s cipher: %v", err)
	}

	// worker -> proxy
	msg := []byte("mining.subscribe payload\n")
	go func() {
		ct := make([]byte, len(msg))
		clientEncryptsToServer.XORKeyStream(ct, msg)
		client.Write(ct)
	}()
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(srvConn, got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("server decrypted %q, want %q", got, msg)
	}

	// proxy -> worker
	reply := []byte("mining.notify payload\n")
	go func() {
		srvConn.Write(reply)
	}()
	gotReply := make([]byte, len(reply))
	ctReply := make([]byte, len(reply))
	if _, err := io.ReadFull(client, ctReply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	clientDecryptsServer.XORKeyStream(gotReply, ctReply)
	if string(gotReply) != string(reply) {
		t.Fatalf("client decrypted %q, want %q", gotReply, reply)
	}

	srvConn.Close()
	client.Close()
}
