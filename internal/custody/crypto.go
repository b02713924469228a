package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/realdoomsman/solana-invoice-pay-sub000/internal/fault"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32        // Salt length
)

const gcmNonceLen = 12

// seal encrypts plaintext under a key derived from the master secret with
// a fresh random salt and nonce. Output layout: salt ‖ nonce ‖ ciphertext,
// base64 encoded. Encrypting the same plaintext twice yields different
// ciphertext because both salt and nonce are random per call.
func seal(masterSecret, plaintext []byte) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(masterSecret, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer secureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// open decrypts a ciphertext produced by seal. Any tampering with salt,
// nonce, or payload fails GCM authentication and returns a security fault
// rather than corrupted plaintext.
func open(masterSecret []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fault.Wrap(fault.Security, "ciphertext is not valid base64", err)
	}
	if len(raw) < argon2SaltLen+gcmNonceLen+1 {
		return nil, fault.New(fault.Security, "ciphertext too short")
	}

	salt := raw[:argon2SaltLen]
	nonce := raw[argon2SaltLen : argon2SaltLen+gcmNonceLen]
	sealed := raw[argon2SaltLen+gcmNonceLen:]

	key := argon2.IDKey(masterSecret, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	defer secureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fault.Wrap(fault.Security, "failed to create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fault.Wrap(fault.Security, "failed to create GCM", err)
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		// Authentication failed: tampered or wrong master secret.
		return nil, fault.New(fault.Security, "ciphertext authentication failed")
	}
	return plaintext, nil
}

// secureClear zeroes sensitive byte slices after use.
func secureClear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
