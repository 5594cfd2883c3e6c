package mint

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nutforge/mint/cashu"
	"github.com/nutforge/mint/crypto"
)

// Engine is the mint's transaction processor: it owns a keyset
// registry, a secret ledger, a quote store, and a payment executor, and
// exposes the request handlers a transport layer calls into.
type Engine struct {
	registry *KeysetRegistry
	ledger   *secretLedger
	quotes   QuoteStore
	payments PaymentExecutor
	logger   *slog.Logger
}

// NewEngine wires a registry, quote store, and payment executor into a
// ready-to-use engine. Pass a nil logger to get a sensible default.
func NewEngine(registry *KeysetRegistry, quotes QuoteStore, payments PaymentExecutor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Engine{
		registry: registry,
		ledger:   newSecretLedger(),
		quotes:   quotes,
		payments: payments,
		logger:   logger,
	}
}

func defaultLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("15:04:05.000"))
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

// logInfof/logErrorf/logDebugf preserve the caller's source line in the
// log record instead of reporting this helper's own location, the same
// trick the engine's ancestor used to keep its log output useful.
func (e *Engine) logAt(level slog.Level, format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = e.logger.Handler().Handle(nil, record)
}

func (e *Engine) logInfof(format string, args ...any)  { e.logAt(slog.LevelInfo, format, args...) }
func (e *Engine) logErrorf(format string, args ...any) { e.logAt(slog.LevelError, format, args...) }
func (e *Engine) logDebugf(format string, args ...any) { e.logAt(slog.LevelDebug, format, args...) }

// yValue returns the hex-encoded hash-to-curve point for a secret,
// which is what the ledger tracks rather than the raw secret bytes.
func yValue(secret string) (string, error) {
	Y := crypto.HashToCurve([]byte(secret))
	if Y == nil {
		return "", cashu.CryptoErr
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

// RequestMintQuote registers a new mint quote for amount units of unit.
// The caller is expected to present the returned quote id's invoice to
// the payer and poll GetMintQuoteState (or have a payment notifier call
// MarkQuotePaid) before calling MintTokens.
func (e *Engine) RequestMintQuote(unit string, amount uint64) (Quote, error) {
	id, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return Quote{}, cashu.CryptoErr
	}
	quote := Quote{Id: id, Unit: unit, Amount: amount, State: QuoteUnpaid}
	if err := e.quotes.Save(quote); err != nil {
		return Quote{}, err
	}
	e.logInfof("created mint quote %v for %v %v", id, amount, unit)
	return quote, nil
}

// MarkQuotePaid flags a mint or melt quote as paid, modelling the
// notification an engine embedder receives out of band (a Lightning
// hold-invoice settling, a webhook firing). Melt quotes reach Paid
// through ProcessMeltRequest instead; this exists for mint quotes and
// for tests that need to simulate payment.
func (e *Engine) MarkQuotePaid(quoteId string) error {
	quote, ok := e.quotes.Get(quoteId)
	if !ok {
		return cashu.UnknownQuoteErr
	}
	quote.State = QuotePaid
	return e.quotes.Save(quote)
}

// GetMintQuoteState returns the current state of a mint quote.
func (e *Engine) GetMintQuoteState(quoteId string) (Quote, error) {
	quote, ok := e.quotes.Get(quoteId)
	if !ok {
		return Quote{}, cashu.UnknownQuoteErr
	}
	return quote, nil
}

// MintTokens redeems a paid mint quote for blind signatures over
// outputs. It refuses to run twice for the same quote (Issued is
// terminal) and refuses to sign for an unpaid quote.
func (e *Engine) MintTokens(quoteId string, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	quote, ok := e.quotes.Get(quoteId)
	if !ok {
		return nil, cashu.UnknownQuoteErr
	}
	if quote.State == QuoteIssued {
		return nil, cashu.UnknownQuoteErr
	}
	if quote.State != QuotePaid {
		return nil, cashu.UnknownQuoteErr
	}
	if outputs.Amount() != quote.Amount {
		return nil, cashu.AmountMismatchErr
	}

	sigs, err := e.blindSign(outputs)
	if err != nil {
		return nil, err
	}

	quote.State = QuoteIssued
	if err := e.quotes.Save(quote); err != nil {
		return nil, err
	}
	e.logInfof("issued %v signatures for mint quote %v", len(sigs), quoteId)
	return sigs, nil
}

// Swap checks amount conservation against outputs (net of keyset
// fees) before verifying inputs, then on success retires inputs and
// returns signatures over outputs. Output signing happens before the
// ledger is mutated: if any output's keyset or amount is invalid, the
// whole call fails and no input becomes spent. Called with no inputs
// and no outputs, it is a no-op that succeeds with an empty result.
func (e *Engine) Swap(inputs cashu.Proofs, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	fee := e.transactionFees(inputs)
	if inputs.Amount() != outputs.Amount()+fee {
		return nil, cashu.AmountMismatchErr
	}

	ys, err := e.verifyProofs(inputs, "")
	if err != nil {
		return nil, err
	}

	sigs, err := e.blindSign(outputs)
	if err != nil {
		return nil, err
	}

	e.ledger.settle(ys)
	e.logInfof("swapped %v inputs for %v outputs (fee %v)", len(inputs), len(outputs), fee)
	return sigs, nil
}

// RequestMeltQuote registers a melt quote: amount plus the fee reserve
// the payment executor expects to need for routing.
func (e *Engine) RequestMeltQuote(unit string, amount uint64, paymentHash string) (Quote, error) {
	id, err := cashu.GenerateRandomQuoteId()
	if err != nil {
		return Quote{}, cashu.CryptoErr
	}
	reserve := e.payments.FeeReserve(amount)
	quote := Quote{Id: id, Unit: unit, Amount: amount, FeeReserve: reserve, PaymentHash: paymentHash, State: QuoteUnpaid}
	if err := e.quotes.Save(quote); err != nil {
		return Quote{}, err
	}
	e.logInfof("created melt quote %v for %v %v (fee reserve %v)", id, amount, unit, reserve)
	return quote, nil
}

// GetMeltQuoteState returns the current state of a melt quote.
func (e *Engine) GetMeltQuoteState(quoteId string) (Quote, error) {
	quote, ok := e.quotes.Get(quoteId)
	if !ok {
		return Quote{}, cashu.UnknownQuoteErr
	}
	return quote, nil
}

// VerifyMeltRequest is phase A of melt: it validates inputs and amount
// conservation against the quote and marks the input secrets
// pending, without yet attempting the Lightning payment. This lets a
// host interleave the actual payment attempt between validation and
// ledger mutation.
func (e *Engine) VerifyMeltRequest(quoteId string, inputs cashu.Proofs) (Quote, error) {
	quote, ok := e.quotes.Get(quoteId)
	if !ok {
		return Quote{}, cashu.UnknownQuoteErr
	}

	ys, err := e.verifyProofs(inputs, quoteId)
	if err != nil {
		return Quote{}, err
	}

	fee := e.transactionFees(inputs)
	if inputs.Amount() < quote.TotalDue()+fee {
		return Quote{}, cashu.InsufficientFundsErr
	}

	e.ledger.markPending(ys, quoteId)
	quote.State = QuotePending
	if err := e.quotes.Save(quote); err != nil {
		e.ledger.clearPending(ys)
		return Quote{}, err
	}
	return quote, nil
}

// ProcessMeltRequest is phase B of melt: it re-runs the same validation
// VerifyMeltRequest performed (so it is safe to call standalone), pays
// the quote's invoice, and on success retires the input secrets and
// signs any overpayment back as change. On payment failure the input
// secrets are released back to spendable and the quote reverts to
// Unpaid; no partial ledger mutation is visible either way.
func (e *Engine) ProcessMeltRequest(quoteId string, inputs cashu.Proofs, changeOutputs cashu.BlindedMessages) (preimage string, change cashu.BlindedSignatures, err error) {
	quote, ok := e.quotes.Get(quoteId)
	if !ok {
		return "", nil, cashu.UnknownQuoteErr
	}

	ys, err := e.verifyProofs(inputs, quoteId)
	if err != nil {
		return "", nil, err
	}

	fee := e.transactionFees(inputs)
	if inputs.Amount() < quote.TotalDue()+fee {
		return "", nil, cashu.InsufficientFundsErr
	}

	e.ledger.markPending(ys, quoteId)

	preimage, feePaid, payErr := e.payments.Pay(quote.PaymentHash, quote.FeeReserve)
	if payErr != nil {
		e.ledger.clearPending(ys)
		quote.State = QuoteUnpaid
		_ = e.quotes.Save(quote)
		e.logErrorf("melt quote %v payment failed: %v", quoteId, payErr)
		return "", nil, payErr
	}

	overpaid := inputs.Amount() - fee - quote.Amount - feePaid

	var changeSigs cashu.BlindedSignatures
	if overpaid > 0 && len(changeOutputs) > 0 {
		changeSigs, err = e.changeSignatures(overpaid, changeOutputs)
		if err != nil {
			// Output signing failed (bad keyset/amount on an output) after
			// the payment already went out: the proofs must still be
			// retired (the mint paid real money for them), but no change
			// is returned. Under-supplied outputs are not an error here —
			// changeSignatures already truncates and signs what it can.
			e.logErrorf("melt quote %v: change signing failed, proceeding without change: %v", quoteId, err)
			changeSigs = nil
		}
	}

	e.ledger.settle(ys)
	quote.State = QuotePaid
	_ = e.quotes.Save(quote)

	e.logInfof("melt quote %v settled, preimage %v, change %v", quoteId, preimage, len(changeSigs))
	return preimage, changeSigs, nil
}

// Keys returns the public half of a keyset, the shape a wallet needs
// to unblind signatures and verify proofs (NUT-01's keys response).
func (e *Engine) Keys(keysetId string) (crypto.PublicKeys, bool) {
	ks, ok := e.registry.Keyset(keysetId)
	if !ok {
		return nil, false
	}
	return ks.PublicKeys(), true
}

// ActiveKeysetId returns the id of the single active keyset for unit,
// if any (NUT-02's keysets response, narrowed to one lookup).
func (e *Engine) ActiveKeysetId(unit string) (string, bool) {
	ks, ok := e.registry.ActiveKeyset(unit)
	if !ok {
		return "", false
	}
	return ks.Id, true
}

// ProofState describes one secret's position in the ledger.
type ProofState int

const (
	ProofUnspent ProofState = iota
	ProofPending
	ProofSpent
)

// CheckSpendable reports, for each proof, whether its secret is
// unspent, pending (locked in an in-flight melt), or already spent.
func (e *Engine) CheckSpendable(proofs cashu.Proofs) ([]ProofState, error) {
	states := make([]ProofState, len(proofs))
	for i, p := range proofs {
		y, err := yValue(p.Secret)
		if err != nil {
			return nil, err
		}
		switch {
		case e.ledger.isSpent(y):
			states[i] = ProofSpent
		case e.ledger.isPending(y):
			states[i] = ProofPending
		default:
			states[i] = ProofUnspent
		}
	}
	return states, nil
}

// verifyProofs checks every invariant a set of inputs must satisfy
// before they can be spent: no duplicate secrets within the request,
// no secret already spent or pending, every keyset known,
// and every signature cryptographically valid for its claimed amount
// and keyset. It returns the Y values of the inputs, ready to be
// marked pending or settled.
//
// forQuote, when non-empty, exempts secrets already pending under that
// same quote from the conflict check — melt's phase B re-verifies
// secrets phase A already reserved, and that reservation is not a
// double-spend against itself.
func (e *Engine) verifyProofs(proofs cashu.Proofs, forQuote string) ([]string, error) {
	if len(proofs) == 0 {
		return nil, nil
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, cashu.DuplicateProofsErr
	}

	ys := make([]string, len(proofs))
	for i, p := range proofs {
		y, err := yValue(p.Secret)
		if err != nil {
			return nil, err
		}
		ys[i] = y
	}

	if e.ledger.conflicts(ys, forQuote) {
		return nil, cashu.TokenSpentErr
	}

	for _, p := range proofs {
		ks, ok := e.registry.Keyset(p.Id)
		if !ok {
			return nil, cashu.UnknownKeySetErr
		}
		kp, ok := ks.AmountKey(p.Amount)
		if !ok {
			return nil, cashu.AmountKeyErr
		}

		cBytes, err := hex.DecodeString(p.C)
		if err != nil {
			return nil, cashu.CryptoErr
		}
		C, err := secp256k1.ParsePubKey(cBytes)
		if err != nil {
			return nil, cashu.CryptoErr
		}

		if !crypto.Verify([]byte(p.Secret), kp.PrivateKey, C) {
			return nil, cashu.CryptoErr
		}
	}

	return ys, nil
}

// blindSign signs every output against its claimed keyset and amount,
// failing the whole batch before any signature is returned if a single
// output names an unknown keyset, an inactive keyset, or an amount the
// keyset has no key for. Staging all signatures before returning any of
// them is what lets Swap and Mint keep the ledger untouched on
// failure.
func (e *Engine) blindSign(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	sigs := make(cashu.BlindedSignatures, len(outputs))

	for i, msg := range outputs {
		ks, ok := e.registry.Keyset(msg.Id)
		if !ok {
			return nil, cashu.UnknownKeySetErr
		}
		if !e.registry.IsActive(msg.Id) {
			return nil, cashu.InactiveKeysetErr
		}
		kp, ok := ks.AmountKey(msg.Amount)
		if !ok {
			return nil, cashu.AmountKeyErr
		}

		bBytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, cashu.CryptoErr
		}
		B_, err := secp256k1.ParsePubKey(bBytes)
		if err != nil {
			return nil, cashu.CryptoErr
		}

		C_ := crypto.SignBlindedMessage(B_, kp.PrivateKey)
		dleq, err := crypto.GenerateDLEQ(kp.PrivateKey, B_, C_)
		if err != nil {
			return nil, cashu.CryptoErr
		}

		sigs[i] = cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     msg.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(dleq.E.Bytes()[:]),
				S: hex.EncodeToString(dleq.S.Bytes()[:]),
			},
		}
	}

	return sigs, nil
}

// changeSignatures decomposes amount greedily, largest denomination
// first, and signs one output per denomination. If the wallet supplied
// fewer outputs than the decomposition needs, the decomposition is
// truncated to len(outputs): the wallet gets back change for the
// denominations that fit and the remainder is burnt, rather than the
// whole overpayment being withheld. Any outputs beyond what's needed
// are left unsigned.
func (e *Engine) changeSignatures(amount uint64, outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	denominations := changeAmounts(amount)
	if len(denominations) > len(outputs) {
		denominations = denominations[:len(outputs)]
	}

	toSign := make(cashu.BlindedMessages, len(denominations))
	for i, amt := range denominations {
		msg := outputs[i]
		msg.Amount = amt
		toSign[i] = msg
	}

	return e.blindSign(toSign)
}

// changeAmounts returns the greedy, largest-denomination-first binary
// decomposition of amount, e.g. 13 -> [8, 4, 1]. This is the order
// change is handed back in, distinct from cashu.AmountSplit's ascending
// order used to build outputs.
func changeAmounts(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for bit := 63; bit >= 0; bit-- {
		denom := uint64(1) << uint(bit)
		if amount&denom != 0 {
			rv = append(rv, denom)
		}
	}
	return rv
}

// transactionFees sums the per-input fee declared by each input's
// keyset, rounded up per mille, the same rounding the fee-aware
// conservation checks in Swap and ProcessMeltRequest apply.
func (e *Engine) transactionFees(inputs cashu.Proofs) uint64 {
	var total uint64
	for _, p := range inputs {
		if ks, ok := e.registry.Keyset(p.Id); ok {
			total += uint64(ks.InputFeePpk)
		}
	}
	return (total + 999) / 1000
}
