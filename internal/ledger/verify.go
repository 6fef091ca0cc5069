package ledger

import (
	"crypto/ed25519"

	"github.com/davidahmann/steward/internal/crypto"
	"github.com/davidahmann/steward/pkg/types"
)

// VerifyRecord recomputes the body digest and, when the record is signed
// and publicKey is set, checks the signature.
func VerifyRecord(rec types.LedgerRecord, publicKey ed25519.PublicKey) error {
	body, err := recordBody(rec)
	if err != nil {
		return err
	}
	if rec.BodyDigest != crypto.DigestWithPrefix(body) {
		return ErrRecordDigestMismatch
	}
	if len(rec.Sig) == 0 || publicKey == nil {
		return nil
	}

	ok, err := crypto.VerifyEd25519(publicKey, crypto.DigestBytes(body), rec.Sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecordSignature
	}
	return nil
}
