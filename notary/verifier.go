package notary

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"tlsn-host/shared"
)

// LocalVerifier checks presentations produced by the embedded engine.
// An empty TrustedKey accepts whatever key the presentation carries, while
// still requiring the signature to recover to exactly that key.
type LocalVerifier struct {
	TrustedKey string // hex compressed notary public key, optional
}

var _ Verifier = (*LocalVerifier)(nil)

// Verify deserializes the presentation, recomputes the attested document and
// checks the recoverable signature against the notary public key.
func (v *LocalVerifier) Verify(presentationJSON []byte) (*PresentationOutput, error) {
	var pres Presentation
	if err := json.Unmarshal(presentationJSON, &pres); err != nil {
		return nil, shared.NewError(shared.CodeVerification, "presentation is not valid JSON", err)
	}
	if pres.Version != attestedDocumentVersion {
		return nil, shared.NewError(shared.CodeVerification,
			fmt.Sprintf("unsupported presentation version %q", pres.Version), nil)
	}

	expectedKey := pres.NotaryPublicKey
	if v.TrustedKey != "" {
		expectedKey = v.TrustedKey
	}
	pubBytes, err := hex.DecodeString(expectedKey)
	if err != nil {
		return nil, shared.NewError(shared.CodeVerification, "malformed notary public key", err)
	}
	pubKey, err := crypto.DecompressPubkey(pubBytes)
	if err != nil {
		return nil, shared.NewError(shared.CodeVerification, "malformed notary public key", err)
	}

	signature, err := hex.DecodeString(pres.Attestation)
	if err != nil {
		return nil, shared.NewError(shared.CodeVerification, "malformed attestation", err)
	}
	if len(signature) != 65 {
		return nil, shared.NewError(shared.CodeVerification,
			fmt.Sprintf("invalid attestation length: expected 65 bytes, got %d", len(signature)), nil)
	}

	payload, err := pres.document().canonicalBytes()
	if err != nil {
		return nil, shared.NewError(shared.CodeVerification, "failed to serialize attested document", err)
	}
	hash := accounts.TextHash(payload)

	recovered, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return nil, shared.NewError(shared.CodeVerification, "failed to recover signer", err)
	}
	if crypto.PubkeyToAddress(*recovered) != crypto.PubkeyToAddress(*pubKey) {
		return nil, shared.NewError(shared.CodeVerification,
			"attestation was not produced by the expected notary key", nil)
	}

	return &PresentationOutput{
		IsValid:         true,
		ServerName:      pres.ServerName,
		VerifyingKey:    hex.EncodeToString(crypto.CompressPubkey(recovered)),
		NotaryPublicKey: pres.NotaryPublicKey,
		Time:            pres.Time,
		Sent:            pres.Sent,
		Recv:            pres.Recv,
	}, nil
}
