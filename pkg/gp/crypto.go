package gp

import (
	"crypto/cipher"
	"errors"
	"fmt"
)

const blockSize = 8

var errPadding = errors.New("gp: invalid ISO 9797-1 padding")

// pad appends ISO 9797-1 method 2 padding: 80 then zeros up to a block boundary.
func pad(data []byte) []byte {
	n := len(data) + 1
	n += (blockSize - n%blockSize) % blockSize
	out := make([]byte, n)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// unpad strips ISO 9797-1 method 2 padding.
func unpad(data []byte) ([]byte, error) {
	i := len(data) - 1
	for i >= 0 && data[i] == 0x00 && len(data)-i < blockSize {
		i--
	}
	if i < 0 || data[i] != 0x80 {
		return nil, errPadding
	}
	return data[:i], nil
}

func checkBlocks(data []byte) error {
	if len(data)%blockSize != 0 {
		return fmt.Errorf("gp: length %d is not a multiple of %d", len(data), blockSize)
	}
	return nil
}

func cbcEncrypt(b cipher.Block, iv, data []byte) []byte {
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, data)
	return out
}

func cbcDecrypt(b cipher.Block, iv, data []byte) []byte {
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(out, data)
	return out
}

func ecb(data []byte, crypt func(dst, src []byte)) {
	for i := 0; i < len(data); i += blockSize {
		crypt(data[i:i+blockSize], data[i:i+blockSize])
	}
}

// fullMAC is the 3DES CBC MAC (ISO 9797-1 algorithm 1 with 3DES) over padded data.
func fullMAC(p Primitives, key, icv, data []byte) ([]byte, error) {
	b, err := p.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := cbcEncrypt(b, icv, pad(data))
	return out[len(out)-blockSize:], nil
}

// retailMAC is ISO 9797-1 algorithm 3: single DES CBC under K1, then the last block is
// decrypted with K2 and encrypted again with K1.
func retailMAC(p Primitives, key, icv, data []byte) ([]byte, error) {
	k1, err := p.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	k2, err := p.NewCipher(key[8:16])
	if err != nil {
		return nil, err
	}

	out := cbcEncrypt(k1, icv, pad(data))
	mac := out[len(out)-blockSize:]
	k2.Decrypt(mac, mac)
	k1.Encrypt(mac, mac)
	return mac, nil
}

// deriveSCP02 derives an SCP02 session key from a static key, a two-byte derivation
// constant and the sequence counter.
func deriveSCP02(p Primitives, static []byte, constant [2]byte, seq uint16) ([]byte, error) {
	b, err := p.NewCipher(static)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 16)
	data[0], data[1] = constant[0], constant[1]
	data[2], data[3] = byte(seq>>8), byte(seq)
	return cbcEncrypt(b, make([]byte, blockSize), data), nil
}

// deriveSCP01 derives an SCP01 session key from the challenge pair.
func deriveSCP01(p Primitives, static, host, card []byte) ([]byte, error) {
	b, err := p.NewCipher(static)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, 16)
	data = append(data, card[4:8]...)
	data = append(data, host[0:4]...)
	data = append(data, card[0:4]...)
	data = append(data, host[4:8]...)
	ecb(data, b.Encrypt)
	return data, nil
}

// SCP02 derivation constants.
var (
	constCMAC = [2]byte{0x01, 0x01}
	constRMAC = [2]byte{0x01, 0x02}
	constENC  = [2]byte{0x01, 0x82}
	constDEK  = [2]byte{0x01, 0x81}
)
