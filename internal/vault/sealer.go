package vault

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts credential documents to the platform recipient and opens
// them with the matching identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient age.Recipient
}

// NewSealer parses an AGE-SECRET-KEY-1... identity.
func NewSealer(identity string) (*Sealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("vault: parse identity: %w", err)
	}
	return &Sealer{identity: id, recipient: id.Recipient()}, nil
}

// GenerateIdentity returns a fresh identity string and its public recipient.
func GenerateIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("vault: generate identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// Recipient is the public half, safe to share with operators who only seal.
func (s *Sealer) Recipient() string {
	return s.identity.Recipient().String()
}

// Seal encrypts values as base64(age(json)).
func (s *Sealer) Seal(values map[string]string) (string, error) {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("vault: marshal credential: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("vault: create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("vault: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("vault: finalize encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open reverses Seal.
func (s *Sealer) Open(ciphertext string) (map[string]string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}
	return values, nil
}
