package crypto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/postalsys/switchcore/internal/transport"
)

// maxRecordPlaintext bounds a single encrypted record's plaintext size so a
// corrupted or adversarial length prefix cannot force an unbounded
// allocation on the receive side.
const maxRecordPlaintext = 256 * 1024

// recordStream frames a RawStream into independently-encrypted records of
// the form [4-byte big-endian length][SessionKey-encrypted record], giving
// both Protector and the crypto handshake's SecureStream a shared
// length-prefixed-AEAD transport instead of duplicating framing logic in
// each layer.
type recordStream struct {
	transport.RawStream
	sk *SessionKey

	readBuf bytes.Buffer
}

func newRecordStream(rs transport.RawStream, sk *SessionKey) *recordStream {
	return &recordStream{RawStream: rs, sk: sk}
}

func (r *recordStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxRecordPlaintext {
			chunk = chunk[:maxRecordPlaintext]
		}

		ciphertext, err := r.sk.Encrypt(chunk)
		if err != nil {
			return total, fmt.Errorf("encrypt record: %w", err)
		}

		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(ciphertext)))
		if _, err := r.RawStream.Write(lenPrefix[:]); err != nil {
			return total, err
		}
		if _, err := r.RawStream.Write(ciphertext); err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (r *recordStream) Read(p []byte) (int, error) {
	if r.readBuf.Len() > 0 {
		return r.readBuf.Read(p)
	}

	var lenPrefix [4]byte
	if _, err := io.ReadFull(r.RawStream, lenPrefix[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxRecordPlaintext+uint32(EncryptionOverhead) {
		return 0, fmt.Errorf("record length %d exceeds maximum", n)
	}

	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(r.RawStream, ciphertext); err != nil {
		return 0, err
	}

	plaintext, err := r.sk.Decrypt(ciphertext)
	if err != nil {
		return 0, fmt.Errorf("decrypt record: %w", err)
	}

	r.readBuf.Write(plaintext)
	return r.readBuf.Read(p)
}

func (r *recordStream) Close() error {
	r.sk.Zero()
	return r.RawStream.Close()
}
