// Package secrets seals values with AES-256-GCM under a key derived per
// entity, so a ciphertext only opens for the entity it was sealed for.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

const infoPrefix = "fnbay/secret/"

var errShortCiphertext = errors.New("ciphertext too short")

type Codec struct {
	master []byte
}

func NewCodec(masterKey []byte) (*Codec, error) {
	if len(masterKey) != 32 {
		return nil, fberrors.New(fberrors.FBSecretFailed, "encryption key must be exactly 32 bytes")
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &Codec{master: key}, nil
}

func (c *Codec) aead(entityID string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, nil, []byte(infoPrefix+entityID)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext for entityID and returns base64(nonce|ciphertext).
func (c *Codec) Seal(entityID string, plaintext []byte) (string, error) {
	gcm, err := c.aead(entityID)
	if err != nil {
		return "", fberrors.Wrap(fberrors.FBSecretFailed, "failed to derive key", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fberrors.Wrap(fberrors.FBSecretFailed, "failed to read nonce", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(entityID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) Open(entityID, sealed string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBSecretFailed, "failed to decode secret", err)
	}
	gcm, err := c.aead(entityID)
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBSecretFailed, "failed to derive key", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fberrors.Wrap(fberrors.FBSecretFailed, "failed to open secret", errShortCiphertext)
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, []byte(entityID))
	if err != nil {
		return nil, fberrors.Wrap(fberrors.FBSecretFailed, "failed to open secret", err)
	}
	return plain, nil
}

// EncryptEnv seals an environment map for entityID.
func (c *Codec) EncryptEnv(entityID string, env map[string]string) (string, error) {
	if env == nil {
		env = map[string]string{}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fberrors.Wrap(fberrors.FBSecretFailed, "failed to encode env", err)
	}
	return c.Seal(entityID, raw)
}

// DecryptEnv opens an environment map. A blank value (cleared after the
// deployment finished) yields an empty map.
func (c *Codec) DecryptEnv(entityID, sealed string) (map[string]string, error) {
	if sealed == "" {
		return map[string]string{}, nil
	}
	raw, err := c.Open(entityID, sealed)
	if err != nil {
		return nil, err
	}
	env := map[string]string{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fberrors.Wrap(fberrors.FBSecretFailed, "failed to decode env", err)
	}
	return env, nil
}
