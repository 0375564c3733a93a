package gp

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"fmt"
)

// Primitives supplies the cryptographic operations the secure channels sequence.
type Primitives interface {
	// NewCipher returns a DES block cipher: single DES for an 8-byte key, 3DES for
	// 16-byte (K1 K2 K1) and 24-byte keys.
	NewCipher(key []byte) (cipher.Block, error)

	// Random fills b with random bytes.
	Random(b []byte) error
}

// StdPrimitives implements Primitives with crypto/des and crypto/rand.
type StdPrimitives struct{}

func (StdPrimitives) NewCipher(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 8:
		return des.NewCipher(key)
	case 16:
		k := make([]byte, 0, 24)
		k = append(k, key...)
		k = append(k, key[:8]...)
		return des.NewTripleDESCipher(k)
	case 24:
		return des.NewTripleDESCipher(key)
	default:
		return nil, fmt.Errorf("gp: invalid DES key length %d", len(key))
	}
}

func (StdPrimitives) Random(b []byte) error {
	_, err := rand.Read(b)
	return err
}
