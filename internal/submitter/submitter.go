// Package submitter sends transactions through two interchangeable paths: a
// protected, tip-paying bundler and the node's plain relay endpoint. The
// protected path is gated by a circuit breaker; on breaker rejection or path
// failure, the original instructions are re-signed with a fresh blockhash and
// fall back to the plain path.
package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/solbot/internal/breaker"
	"github.com/alanyoungcy/solbot/internal/domain"
	"github.com/alanyoungcy/solbot/internal/metrics"
	"github.com/alanyoungcy/solbot/internal/platform/bundler"
	"github.com/alanyoungcy/solbot/internal/wallet"
)

const (
	// maxProtectedAttempts bounds retries within the protected path.
	maxProtectedAttempts = 3
	// bundlePollInterval is how often the bundler's status endpoint is polled.
	bundlePollInterval = 2 * time.Second
	// bundleTimeout bounds one protected attempt; hitting it counts as a
	// failure even if the bundle eventually lands.
	bundleTimeout = 30 * time.Second
	// confirmTimeout bounds plain-path confirmation polling.
	confirmTimeout = 45 * time.Second
	// tipEscalationNum/Den raise the tip by x1.5 between attempts when the
	// blockhash was still fresh.
	tipEscalationNum = 3
	tipEscalationDen = 2
)

// Node is the plain-path backend, implemented by the rpc client.
type Node interface {
	LatestBlockhash(ctx context.Context) (domain.Blockhash, error)
	IsBlockhashValid(ctx context.Context, hash string) (bool, error)
	SendTransaction(ctx context.Context, tx *domain.Transaction) (string, error)
	SimulateTransaction(ctx context.Context, tx *domain.Transaction) (domain.SimulationResult, error)
	ConfirmSignature(ctx context.Context, sig, level string) (bool, error)
	GetTransaction(ctx context.Context, sig string) (domain.TransactionRecord, error)
}

// Bundler is the protected-path backend.
type Bundler interface {
	TipAccount() string
	SubmitBundle(ctx context.Context, txs []*domain.Transaction) (string, error)
	BundleStatus(ctx context.Context, bundleID string) (bundler.BundleState, string, error)
}

// Submitter races the two paths behind one contract. One Submitter (and one
// breaker) exists per process; breaker state describes the health of the
// shared bundler dependency, not of any individual order.
type Submitter struct {
	node    Node
	bundler Bundler
	brk     *breaker.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Submitter. metrics may be nil.
func New(node Node, bund Bundler, brk *breaker.Breaker, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	s := &Submitter{
		node:    node,
		bundler: bund,
		brk:     brk,
		metrics: m,
		logger:  logger.With(slog.String("component", "submitter")),
		sleep:   sleepCtx,
	}
	brk.OnTransition(func(from, to breaker.State) {
		m.ObserveBreakerTransition(string(from), string(to))
	})
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Simulate runs the transaction pre-flight. A failed simulation means no
// funds would have been spent.
func (s *Submitter) Simulate(ctx context.Context, tx *domain.Transaction) (domain.SimulationResult, error) {
	return s.node.SimulateTransaction(ctx, tx)
}

// Confirm waits for the signature to reach the given commitment level.
func (s *Submitter) Confirm(ctx context.Context, sig, level string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	return s.node.ConfirmSignature(ctx, sig, level)
}

// Submit sends tx through the protected path with plain-path fallback. It
// returns the landed signature and the tip actually paid (zero when the
// fallback was used). tx is the unsigned transaction as built by the
// strategy; Submit signs it as needed and never mutates the caller's payload
// on the protected path, so fallback always re-signs the original
// instructions.
func (s *Submitter) Submit(ctx context.Context, tx *domain.Transaction, tipLamports uint64, signer wallet.Signer) (string, uint64, error) {
	var sig string
	var tipPaid uint64

	err := s.brk.ExecuteWithFallback(ctx,
		func(ctx context.Context) error {
			var err error
			sig, tipPaid, err = s.SubmitProtected(ctx, tx, tipLamports, signer)
			return err
		},
		func(ctx context.Context) error {
			tipPaid = 0
			var err error
			sig, err = s.SubmitPlain(ctx, tx, signer)
			return err
		},
	)
	return sig, tipPaid, err
}

// SubmitProtected attaches the tip, bundles, and polls until the bundle is
// confirmed. Bounded retries: a stale blockhash is refreshed without raising
// the tip; otherwise the tip escalates geometrically, with exponential
// backoff between attempts.
func (s *Submitter) SubmitProtected(ctx context.Context, tx *domain.Transaction, tipLamports uint64, signer wallet.Signer) (string, uint64, error) {
	// Work on a copy so a later plain-path fallback re-signs the original
	// instructions, not the tip-carrying variant.
	working := &domain.Transaction{Payload: append([]byte(nil), tx.Payload...)}

	tip := tipLamports
	bh, err := s.node.LatestBlockhash(ctx)
	if err != nil {
		s.metrics.ObserveSubmission("protected", "error")
		return "", 0, domain.NewTradeError(domain.KindSubmissionFailed, "could not fetch blockhash", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxProtectedAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
				return "", 0, domain.NewTradeError(domain.KindSubmissionFailed, "cancelled between attempts", err)
			}
		}

		attemptTx := &domain.Transaction{Payload: withTip(working.Payload, s.bundler.TipAccount(), tip)}
		if err := signer.SignTransaction(attemptTx, bh); err != nil {
			return "", 0, domain.NewTradeError(domain.KindSubmissionFailed, "signing failed", err)
		}

		sig, err := s.submitAndAwaitBundle(ctx, attemptTx)
		if err == nil {
			s.metrics.ObserveSubmission("protected", "success")
			s.metrics.ObserveTip(tip)
			s.logger.InfoContext(ctx, "bundle confirmed",
				slog.String("signature", sig),
				slog.Uint64("tip_lamports", tip),
				slog.Int("attempt", attempt),
			)
			return sig, tip, nil
		}
		lastErr = err
		s.logger.WarnContext(ctx, "protected attempt failed",
			slog.Int("attempt", attempt),
			slog.Uint64("tip_lamports", tip),
			slog.String("error", err.Error()),
		)

		// Stale blockhash: rebuild against a fresh one and retry without
		// raising the tip. Otherwise the tip goes up.
		valid, vErr := s.node.IsBlockhashValid(ctx, bh.Hash)
		if vErr == nil && !valid {
			if bh, err = s.node.LatestBlockhash(ctx); err != nil {
				break
			}
			continue
		}
		tip = tip * tipEscalationNum / tipEscalationDen
	}

	s.metrics.ObserveSubmission("protected", "failure")
	return "", 0, domain.NewTradeError(domain.KindSubmissionFailed,
		fmt.Sprintf("protected path exhausted %d attempts", maxProtectedAttempts), lastErr)
}

// submitAndAwaitBundle performs one bundle submission and polls its status at
// a fixed interval until a terminal state or the attempt timeout, whichever
// comes first. Timeout counts as a failure for breaker accounting even if the
// bundle lands later.
func (s *Submitter) submitAndAwaitBundle(ctx context.Context, tx *domain.Transaction) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, bundleTimeout)
	defer cancel()

	bundleID, err := s.bundler.SubmitBundle(ctx, []*domain.Transaction{tx})
	if err != nil {
		return "", fmt.Errorf("submit bundle: %w", err)
	}

	for {
		state, sig, err := s.bundler.BundleStatus(ctx, bundleID)
		if err != nil {
			return "", fmt.Errorf("bundle %s status: %w", bundleID, err)
		}
		if state.Terminal() {
			if state.Succeeded() {
				return sig, nil
			}
			return "", fmt.Errorf("bundle %s ended %s", bundleID, state)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("bundle %s not terminal within %s", bundleID, bundleTimeout)
		case <-time.After(bundlePollInterval):
		}
	}
}

// SubmitPlain fetches a fresh blockhash, re-signs, sends through the node's
// relay endpoint, and confirms. Stale bytes are never resubmitted blindly.
func (s *Submitter) SubmitPlain(ctx context.Context, tx *domain.Transaction, signer wallet.Signer) (string, error) {
	bh, err := s.node.LatestBlockhash(ctx)
	if err != nil {
		s.metrics.ObserveSubmission("plain", "error")
		return "", domain.NewTradeError(domain.KindSubmissionFailed, "could not fetch blockhash", err)
	}

	sendTx := &domain.Transaction{Payload: append([]byte(nil), tx.Payload...)}
	if err := signer.SignTransaction(sendTx, bh); err != nil {
		return "", domain.NewTradeError(domain.KindSubmissionFailed, "signing failed", err)
	}

	sig, err := s.node.SendTransaction(ctx, sendTx)
	if err != nil {
		s.metrics.ObserveSubmission("plain", "failure")
		return "", domain.NewTradeError(domain.KindSubmissionFailed, "plain send failed", err)
	}

	confirmed, err := s.Confirm(ctx, sig, "confirmed")
	if err != nil || !confirmed {
		s.metrics.ObserveSubmission("plain", "unconfirmed")
		// The transaction may still land; the caller must reconcile.
		return sig, domain.NewTradeError(domain.KindConfirmationTimeout,
			"sent but not confirmed in time", err)
	}

	s.metrics.ObserveSubmission("plain", "success")
	s.logger.InfoContext(ctx, "plain send confirmed", slog.String("signature", sig))
	return sig, nil
}

// Record reads back the confirmed on-chain record for a signature.
func (s *Submitter) Record(ctx context.Context, sig string) (domain.TransactionRecord, error) {
	return s.node.GetTransaction(ctx, sig)
}

// withTip appends the tip transfer instruction to the payload. The encoding
// mirrors what the strategies produce for swap instructions.
func withTip(payload []byte, tipAccount string, lamports uint64) []byte {
	out := make([]byte, 0, len(payload)+len(tipAccount)+10)
	out = append(out, payload...)
	out = append(out, 0x02) // system transfer tag
	out = append(out, []byte(tipAccount)...)
	for i := 0; i < 8; i++ {
		out = append(out, byte(lamports>>(8*i)))
	}
	return out
}
