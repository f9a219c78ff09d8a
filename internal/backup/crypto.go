package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
)

// encryptFile reads plaintext from path, seals it with AES-256-GCM under
// key, and writes "nonce || ciphertext" to path+".enc". The plaintext file
// is removed on success. Mirrors the DPAPI-encrypted-sibling-file shape of
// the original backup manager, with the key supplied by the caller instead
// of the OS keystore.
func encryptFile(path string, key []byte) (string, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	encPath := path + ".enc"
	if err := os.WriteFile(encPath, sealed, 0o600); err != nil {
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return encPath, nil
}

// decryptFile reverses encryptFile, writing the recovered plaintext to
// outPath.
func decryptFile(encPath, outPath string, key []byte) error {
	sealed, err := os.ReadFile(encPath)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return fmt.Errorf("encrypted backup is truncated")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}
	return os.WriteFile(outPath, plaintext, 0o600)
}
