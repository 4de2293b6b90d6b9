package crypto

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"testing"
)

func randomKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var k [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestPSKProtectorRoundTrip(t *testing.T) {
	psk := randomKey(t)
	dialerRS, listenerRS := newPipeRawStreamPair()

	dialerProtector := NewPSKProtector(psk)
	listenerProtector := NewPSKProtector(psk)

	var dialerProtected, listenerProtected interface {
		io.Reader
		io.Writer
		Close() error
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dialerProtected, _ = dialerProtector.Protect(context.Background(), dialerRS)
	}()
	go func() {
		defer wg.Done()
		listenerProtected, _ = listenerProtector.Protect(context.Background(), listenerRS)
	}()
	wg.Wait()

	msg := []byte("protected handshake bytes")
	done := make(chan struct{})
	go func() {
		dialerProtected.Write(msg)
		close(done)
	}()

	buf := make([]byte, len(msg))
	n := 0
	for n < len(msg) {
		m, err := listenerProtected.Read(buf[n:])
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		n += m
	}
	<-done

	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestPSKProtectorRejectsMismatchedKey(t *testing.T) {
	dialerRS, listenerRS := newPipeRawStreamPair()

	dialerProtector := NewPSKProtector(randomKey(t))
	listenerProtector := NewPSKProtector(randomKey(t))

	var dialerProtected, listenerProtected interface {
		io.Reader
		io.Writer
		Close() error
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dialerProtected, _ = dialerProtector.Protect(context.Background(), dialerRS)
	}()
	go func() {
		defer wg.Done()
		listenerProtected, _ = listenerProtector.Protect(context.Background(), listenerRS)
	}()
	wg.Wait()

	go dialerProtected.Write([]byte("payload"))

	buf := make([]byte, 7)
	_, err := listenerProtected.Read(buf)
	if err == nil {
		t.Fatal("expected decryption failure for mismatched pre-shared keys")
	}
}

func TestManagementSealedProtectorSealsRecordKey(t *testing.T) {
	psk := randomKey(t)
	managementPub, managementPriv := generateManagementKeypair(t)

	dialerRS, listenerRS := newPipeRawStreamPair()

	dialerProtector := NewManagementSealedProtector(psk, managementPub)
	listenerProtector := NewPSKProtector(psk)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dialerProtector.Protect(context.Background(), dialerRS)
	}()
	go func() {
		defer wg.Done()
		listenerProtector.Protect(context.Background(), listenerRS)
	}()
	wg.Wait()

	sealed := dialerProtector.SealedKeys()
	if len(sealed) != 1 {
		t.Fatalf("expected 1 sealed record key, got %d", len(sealed))
	}

	opener := NewSealedBoxWithPrivate(managementPub, managementPriv)
	recovered, err := opener.Open(sealed[0])
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(recovered) != KeySize {
		t.Fatalf("recovered key length = %d, want %d", len(recovered), KeySize)
	}
}

func generateManagementKeypair(t *testing.T) (pub, priv [KeySize]byte) {
	t.Helper()
	priv, pub, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("generate management keypair: %v", err)
	}
	return pub, priv
}
