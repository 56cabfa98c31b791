// Package wallet provides the trading keypair and transaction signing. The
// raw secret never leaves this package; callers see a public key and a
// signing capability.
package wallet

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// Signer signs transactions on behalf of the order executor and submitter.
type Signer interface {
	// PublicKey returns the hex-encoded public identity of the wallet.
	PublicKey() string
	// SignTransaction binds tx to the given blockhash and signs it, replacing
	// any existing signatures. The payload itself is not modified.
	SignTransaction(tx *domain.Transaction, bh domain.Blockhash) error
}

// Wallet is an ed25519 keypair Signer.
type Wallet struct {
	priv ed25519.PrivateKey
	pub  string
}

// New creates a Wallet from a hex-encoded ed25519 seed or 64-byte private
// key, with or without a 0x prefix.
func New(privateKeyHex string) (*Wallet, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("wallet: invalid private key hex: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("wallet: expected %d or %d byte key, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &Wallet{
		priv: priv,
		pub:  hex.EncodeToString(pub),
	}, nil
}

// PublicKey returns the hex-encoded public key.
func (w *Wallet) PublicKey() string {
	return w.pub
}

// SignTransaction signs the payload bound to the given blockhash. Signing the
// concatenation of payload and blockhash is what makes a stale-checkpoint
// transaction invalid to resubmit without re-signing.
func (w *Wallet) SignTransaction(tx *domain.Transaction, bh domain.Blockhash) error {
	if len(tx.Payload) == 0 {
		return fmt.Errorf("wallet: refusing to sign empty payload")
	}
	if bh.Hash == "" {
		return fmt.Errorf("wallet: refusing to sign without a blockhash")
	}

	tx.Blockhash = bh.Hash
	msg := make([]byte, 0, len(tx.Payload)+len(bh.Hash))
	msg = append(msg, tx.Payload...)
	msg = append(msg, []byte(bh.Hash)...)

	sig := ed25519.Sign(w.priv, msg)
	tx.Signatures = []string{hex.EncodeToString(sig)}
	return nil
}

var _ Signer = (*Wallet)(nil)
