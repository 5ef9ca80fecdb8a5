// Package crypto keeps the gateway API secret encrypted at rest and signs
// the gateway login frame.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keystoreVersion  = 1
)

type keystoreJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretSource says where the gateway secret comes from. Raw wins over Path.
type SecretSource struct {
	Raw      string
	Path     string
	Password string
}

// EncryptSecret seals secret with a key derived from password
// (PBKDF2-HMAC-SHA256, AES-256-GCM) and returns the keystore JSON.
func EncryptSecret(secret, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if secret == "" {
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	return json.MarshalIndent(keystoreJSON{
		Version:    keystoreVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, []byte(secret), nil)),
	}, "", "  ")
}

// DecryptSecret opens a keystore produced by EncryptSecret.
func DecryptSecret(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var ks keystoreJSON
	if err := json.Unmarshal(data, &ks); err != nil {
		return "", fmt.Errorf("crypto: parse keystore: %w", err)
	}
	if ks.Version != keystoreVersion {
		return "", fmt.Errorf("crypto: unsupported keystore version %d", ks.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(ks.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ks.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(ks.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d", len(nonce))
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt (wrong password?): %w", err)
	}
	return string(plain), nil
}

// LoadSecret resolves src to the plaintext secret.
func LoadSecret(src SecretSource) (string, error) {
	if src.Raw != "" {
		return src.Raw, nil
	}
	if src.Path == "" {
		return "", errors.New("crypto: no secret configured")
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return "", fmt.Errorf("crypto: read keystore: %w", err)
	}
	return DecryptSecret(data, src.Password)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create gcm: %w", err)
	}
	return gcm, nil
}
