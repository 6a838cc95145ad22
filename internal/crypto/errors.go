package crypto

import "errors"

var (
	// ErrKeyGeneration is returned when the underlying randomness source fails.
	ErrKeyGeneration = errors.New("crypto: key generation failed")

	// ErrInvalidKey is returned for malformed keys: wrong algorithm, wrong
	// length, missing id, or zero creation time.
	ErrInvalidKey = errors.New("crypto: invalid encryption key")

	// ErrKeyExpired is returned when encryption is attempted past the key's
	// expiry. Decryption is never gated by expiry.
	ErrKeyExpired = errors.New("crypto: encryption key expired")

	// ErrDecryptionFailed is returned on GCM authentication failure: tampered
	// ciphertext, tampered IV, or the wrong key.
	ErrDecryptionFailed = errors.New("crypto: message authentication failed")
)
