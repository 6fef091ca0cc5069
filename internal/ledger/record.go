package ledger

import (
	"math"
	"time"

	"github.com/davidahmann/steward/internal/crypto"
	"github.com/davidahmann/steward/pkg/types"
)

// Seal normalizes record times and stamps the digest of the record body.
// With a signer it also signs the digest. A non-finite cost cannot be
// encoded, so it is dropped and noted in Error.
func Seal(rec types.LedgerRecord, signer *crypto.Signer) (types.LedgerRecord, error) {
	rec = scrubCost(rec)
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	if rec.ApprovalTime != nil {
		t := normalizeTime(*rec.ApprovalTime)
		rec.ApprovalTime = &t
	}

	body, err := recordBody(rec)
	if err != nil {
		return types.LedgerRecord{}, err
	}
	rec.BodyDigest = crypto.DigestWithPrefix(body)
	rec.KeyID = ""
	rec.Sig = nil
	if signer != nil {
		sig, err := signer.Sign(crypto.DigestBytes(body))
		if err != nil {
			return types.LedgerRecord{}, err
		}
		rec.KeyID = signer.KeyID()
		rec.Sig = sig
	}
	return rec, nil
}

// recordBody is the canonical JSON of everything but the seal itself.
func recordBody(rec types.LedgerRecord) ([]byte, error) {
	rec.BodyDigest = ""
	rec.KeyID = ""
	rec.Sig = nil
	return crypto.Canonicalize(rec)
}

// Postgres keeps microseconds, so sealed times are truncated to survive a
// round trip unchanged.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

const nonFiniteCostNote = "non-finite cost dropped"

func scrubCost(rec types.LedgerRecord) types.LedgerRecord {
	if rec.Cost == nil || (!math.IsNaN(*rec.Cost) && !math.IsInf(*rec.Cost, 0)) {
		return rec
	}
	rec.Cost = nil
	if rec.Error == "" {
		rec.Error = nonFiniteCostNote
	} else {
		rec.Error += "; " + nonFiniteCostNote
	}
	return rec
}
