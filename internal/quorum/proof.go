package quorum

import "fmt"

// Proof is a quorum-signed statement: the aggregated elder signature
// over a message, the section public key it commits to, and the bitmap
// of signing elders.
type Proof struct {
	SectionKey []byte // SectionKey is the compressed section public key
	Signature  []byte // Signature is the aggregated BLS signature
	SignerMask []byte // SignerMask is a bitmap over the elder ordering
}

// NewProof aggregates shares from the given elder indices into a proof.
// shares[i] must be the share from elder indices[i].
func NewProof(sectionKey []byte, shares [][]byte, indices []int, elderCount int) (*Proof, error) {
	if len(shares) != len(indices) {
		return nil, fmt.Errorf("share/index count mismatch: %d vs %d", len(shares), len(indices))
	}

	if len(shares) < Size(elderCount) {
		return nil, fmt.Errorf("insufficient shares: got %d, need %d", len(shares), Size(elderCount))
	}

	sig, err := Aggregate(shares)
	if err != nil {
		return nil, fmt.Errorf("aggregate shares: %w", err)
	}

	return &Proof{
		SectionKey: sectionKey,
		Signature:  sig,
		SignerMask: BuildSignerBitmap(indices, elderCount),
	}, nil
}

// Verify checks the proof against a message given the per-elder public
// keys in the deterministic elder ordering. It also checks that the
// signer count meets the quorum size.
func (p *Proof) Verify(message []byte, elderKeys [][]byte) bool {
	indices := ParseSignerBitmap(p.SignerMask)

	if len(indices) < Size(len(elderKeys)) {
		return false
	}

	signerKeys := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		if idx >= len(elderKeys) {
			return false
		}
		signerKeys = append(signerKeys, elderKeys[idx])
	}

	return VerifyAggregated(p.Signature, message, signerKeys)
}
