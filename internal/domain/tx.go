package domain

// Blockhash is the short-lived network checkpoint a transaction must be built
// against. It expires after a small number of slots, so a transaction that
// sat in a retry queue usually needs re-signing with a fresh one.
type Blockhash struct {
	Hash            string
	LastValidHeight uint64
}

// Transaction is a serialized transaction message bound to a blockhash. The
// wire encoding is owned by the strategies; the core treats Payload as opaque
// bytes and only manages the blockhash binding and signature list.
type Transaction struct {
	Payload    []byte
	Blockhash  string
	Signatures []string
}

// Signed reports whether the transaction carries at least one signature.
func (t *Transaction) Signed() bool {
	return len(t.Signatures) > 0
}

// Rebind replaces the blockhash and clears stale signatures. The caller must
// re-sign before submitting.
func (t *Transaction) Rebind(bh Blockhash) {
	t.Blockhash = bh.Hash
	t.Signatures = nil
}

// SimulationResult is the outcome of a pre-flight simulation.
type SimulationResult struct {
	Success bool
	Err     string
	Logs    []string
}

// TransactionRecord is the confirmed on-chain record of a transaction,
// queried back after confirmation to learn the actually-received amount.
type TransactionRecord struct {
	Signature      string
	Slot           uint64
	ReceivedAmount uint64 // base units actually credited by the swap
	FeeLamports    uint64
}
