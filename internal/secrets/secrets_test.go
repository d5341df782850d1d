package secrets

import (
	"bytes"
	"testing"

	fberrors "github.com/osvaldoandrade/fnbay/internal/errors"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return c
}

func TestNewCodecRejectsBadKey(t *testing.T) {
	if _, err := NewCodec([]byte("short")); fberrors.CodeOf(err) != fberrors.FBSecretFailed {
		t.Fatalf("expected secret codec error, got %v", err)
	}
}

func TestEnvRoundTrip(t *testing.T) {
	c := testCodec(t)
	sealed, err := c.EncryptEnv("bfd_1", map[string]string{"API_KEY": "s3cr3t"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains([]byte(sealed), []byte("s3cr3t")) {
		t.Fatalf("plaintext leaked into ciphertext")
	}
	env, err := c.DecryptEnv("bfd_1", sealed)
	if err != nil || env["API_KEY"] != "s3cr3t" {
		t.Fatalf("decrypt: %v %+v", err, env)
	}
}

func TestCiphertextBoundToEntity(t *testing.T) {
	c := testCodec(t)
	sealed, err := c.EncryptEnv("bfd_1", map[string]string{"A": "1"})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c.DecryptEnv("bfd_2", sealed); err == nil {
		t.Fatalf("expected failure opening with another entity id")
	}
	other, _ := NewCodec(bytes.Repeat([]byte{8}, 32))
	if _, err := other.DecryptEnv("bfd_1", sealed); err == nil {
		t.Fatalf("expected failure opening with another master key")
	}
}

func TestDecryptEdgeCases(t *testing.T) {
	c := testCodec(t)
	env, err := c.DecryptEnv("bfd_1", "")
	if err != nil || len(env) != 0 {
		t.Fatalf("blank env: %v %+v", err, env)
	}
	if _, err := c.Open("bfd_1", "not base64!"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := c.Open("bfd_1", "AAAA"); err == nil {
		t.Fatalf("expected short ciphertext error")
	}
	a, _ := c.Seal("x", []byte("same"))
	b, _ := c.Seal("x", []byte("same"))
	if a == b {
		t.Fatalf("expected fresh nonce per seal")
	}
}
