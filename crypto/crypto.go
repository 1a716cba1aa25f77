// Primitive operations consumed by the conversation and group layers. Message keys
// are single-use, so the AEAD runs with a fixed nonce.
package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var zeroNonce12 = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// NewDHPair makes a fresh X25519 key pair, returned private first.
func NewDHPair() ([32]byte, [32]byte, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return *priv, *pub, nil
}

func PublicFromPrivate(priv []byte) [32]byte {
	return *scalarmult.Base((*[32]byte)(priv))
}

// DH computes the X25519 shared secret between a private and a public key.
func DH(priv, pub []byte) [32]byte {
	return *box.Precompute(SliceToKey(pub), SliceToKey(priv))
}

// HKDF fills buffer with key material derived from secret, salt and info using SHA-256.
func HKDF(secret, salt, info, buffer []byte) error {
	h := hkdf.New(sha256.New, secret, salt, info)
	_, err := io.ReadFull(h, buffer)
	return err
}

func EncryptWithDH(pub, priv, msg, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return EncryptWithKey(key[:], msg, ad)
}

func DecryptWithDH(pub, priv, enc, ad []byte) ([]byte, error) {
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return DecryptWithKey(key[:], enc, ad)
}

func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}

// SealWithKey encrypts msg under a long-lived key, prepending a random
// XChaCha20 nonce to the ciphertext. Use this instead of EncryptWithKey
// whenever a key encrypts more than once.
func SealWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(msg)+cipher.Overhead())
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return cipher.Seal(nonce, nonce, msg, ad), nil
}

func OpenWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		panic("key is wrong length")
	}
	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(enc) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	return cipher.Open(nil, enc[:chacha20poly1305.NonceSizeX], enc[chacha20poly1305.NonceSizeX:], ad)
}

// NewSymmetricKey makes a random 32-byte key for group or message body encryption.
func NewSymmetricKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
