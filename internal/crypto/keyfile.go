package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadSigner reads an Ed25519 key file and returns a ledger signer for it.
// An empty keyID defaults to the hex digest prefix of the public key.
func LoadSigner(path, keyID string) (*Signer, error) {
	priv, pub, err := LoadEd25519PrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	if keyID == "" {
		keyID = "ed25519:" + DigestHex(pub)[:16]
	}
	return NewSigner(keyID, priv), nil
}

// LoadEd25519PrivateKey loads an Ed25519 private key from a file holding a
// 64-byte private key or a 32-byte seed, raw or hex/base64 encoded (with an
// optional "hex:" or "base64:" prefix).
func LoadEd25519PrivateKey(path string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	// #nosec G304 -- path is operator-configured.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := decodeKeyBytes(raw)
	if err != nil {
		return nil, nil, err
	}

	switch len(data) {
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(data)
		return priv, priv.Public().(ed25519.PublicKey), nil
	case ed25519.SeedSize:
		return KeyPairFromSeed(data)
	default:
		return nil, nil, fmt.Errorf("unsupported private key length: %d", len(data))
	}
}

func decodeKeyBytes(raw []byte) ([]byte, error) {
	text := strings.TrimSpace(string(raw))
	switch {
	case text == "":
		return nil, fmt.Errorf("empty key file")
	case strings.HasPrefix(text, "base64:"):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(text, "base64:"))
	case strings.HasPrefix(text, "hex:"):
		return hex.DecodeString(strings.TrimPrefix(text, "hex:"))
	}

	// binary key files
	if len(raw) == ed25519.PrivateKeySize || len(raw) == ed25519.SeedSize {
		return raw, nil
	}

	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
	}
	for _, decode := range decoders {
		if out, err := decode(text); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("unrecognized key encoding")
}
