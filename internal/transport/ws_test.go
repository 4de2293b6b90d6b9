package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"testing"
	"time"
)

func TestWebSocketTransportType(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()

	if tr.Type() != TypeWebSocket {
		t.Errorf("Type() = %s, want %s", tr.Type(), TypeWebSocket)
	}
}

func TestWebSocketDialListenRoundTrip(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	serverTLS, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}
	clientTLS := &tls.Config{InsecureSkipVerify: true}

	tr := NewWebSocketTransport()
	defer tr.Close()

	listener, err := tr.Listen("127.0.0.1:0", ListenOptions{TLSConfig: serverTLS, Path: "/switchcore"})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().String()

	var serverStream RawStream
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		serverStream, acceptErr = listener.Accept(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientStream, err := tr.Dial(ctx, "wss://"+addr+"/switchcore", DialOptions{TLSConfig: clientTLS, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer clientStream.Close()

	wg.Wait()
	if acceptErr != nil {
		t.Fatalf("Accept() error = %v", acceptErr)
	}
	defer serverStream.Close()

	if !clientStream.IsDialer() {
		t.Error("client stream should be dialer")
	}
	if serverStream.IsDialer() {
		t.Error("server stream should not be dialer")
	}
	if clientStream.TransportType() != TypeWebSocket || serverStream.TransportType() != TypeWebSocket {
		t.Error("expected TypeWebSocket on both sides")
	}

	msg := []byte("hello over websocket")
	if _, err := clientStream.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, len(msg))
	n := 0
	for n < len(msg) {
		m, err := serverStream.Read(buf[n:])
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		n += m
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestWebSocketStreamPeerInfo(t *testing.T) {
	s := &wsRawStream{}
	if s.PeerInfo() != nil {
		t.Fatal("expected nil peer info before SetPeerInfo")
	}
}
