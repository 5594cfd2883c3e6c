package mint

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/nutforge/mint/cashu"
	"github.com/nutforge/mint/crypto"
)

// testMint bundles an Engine with the keyset backing it, since tests
// need the keyset's public keys to unblind signatures the way a wallet
// would.
type testMint struct {
	engine *Engine
	keyset *crypto.MintKeyset
	unit   string
}

func newTestMint(t *testing.T, maxOrder int, inputFeePpk uint) *testMint {
	t.Helper()
	master := testMaster(t)

	keyset, err := crypto.GenerateKeyset(master, 0, "sat", maxOrder, inputFeePpk)
	if err != nil {
		t.Fatal(err)
	}

	registry, err := NewKeysetRegistry(
		[]*crypto.MintKeyset{keyset},
		map[string]KeysetInfo{keyset.Id: {Id: keyset.Id, Unit: "sat", Active: true, InputFeePpk: inputFeePpk}},
	)
	if err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(registry, NewMemoryQuoteStore(), NewStubPaymentExecutor(), nil)
	return &testMint{engine: engine, keyset: keyset, unit: "sat"}
}

func randomSecret(t *testing.T) string {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(b)
}

func randomScalar(t *testing.T) []byte {
	t.Helper()
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}

// blinded holds a BlindedMessage for one amount against the test
// keyset, plus the secret and blinding key needed to unblind the
// resulting signature later.
type blinded struct {
	secret string
	r      []byte
	msg    cashu.BlindedMessage
}

func (tm *testMint) blindOutputs(t *testing.T, amounts []uint64) []blinded {
	t.Helper()
	out := make([]blinded, len(amounts))
	for i, amt := range amounts {
		secret := randomSecret(t)
		r := randomScalar(t)
		B_, _ := crypto.BlindMessage([]byte(secret), r)
		out[i] = blinded{
			secret: secret,
			r:      r,
			msg: cashu.BlindedMessage{
				Amount: amt,
				B_:     hex.EncodeToString(B_.SerializeCompressed()),
				Id:     tm.keyset.Id,
			},
		}
	}
	return out
}

func (tm *testMint) unblind(t *testing.T, outs []blinded, sigs cashu.BlindedSignatures) cashu.Proofs {
	t.Helper()
	if len(outs) != len(sigs) {
		t.Fatalf("mismatched outputs (%v) and signatures (%v)", len(outs), len(sigs))
	}
	proofs := make(cashu.Proofs, len(outs))
	for i, out := range outs {
		sig := sigs[i]
		kp, ok := tm.keyset.AmountKey(sig.Amount)
		if !ok {
			t.Fatalf("no key for amount %v", sig.Amount)
		}

		C_Bytes, err := hex.DecodeString(sig.C_)
		if err != nil {
			t.Fatal(err)
		}
		C_, err := secp256k1.ParsePubKey(C_Bytes)
		if err != nil {
			t.Fatal(err)
		}

		_, r := crypto.BlindMessage([]byte(out.secret), out.r)
		C := crypto.UnblindSignature(C_, r, kp.PublicKey)

		proofs[i] = cashu.Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: out.secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

// mintAmount walks a full mint quote -> pay -> MintTokens round trip
// and returns spendable proofs for amount.
func (tm *testMint) mintAmount(t *testing.T, amount uint64) cashu.Proofs {
	t.Helper()
	quote, err := tm.engine.RequestMintQuote(tm.unit, amount)
	if err != nil {
		t.Fatal(err)
	}
	if err := tm.engine.MarkQuotePaid(quote.Id); err != nil {
		t.Fatal(err)
	}

	outs := tm.blindOutputs(t, cashu.AmountSplit(amount))
	msgs := make(cashu.BlindedMessages, len(outs))
	for i, o := range outs {
		msgs[i] = o.msg
	}

	sigs, err := tm.engine.MintTokens(quote.Id, msgs)
	if err != nil {
		t.Fatal(err)
	}

	return tm.unblind(t, outs, sigs)
}

func TestMintThenSwapIdentity(t *testing.T) {
	tm := newTestMint(t, 4, 0)
	proofs := tm.mintAmount(t, 13)

	outs := tm.blindOutputs(t, cashu.AmountSplit(13))
	msgs := make(cashu.BlindedMessages, len(outs))
	for i, o := range outs {
		msgs[i] = o.msg
	}

	sigs, err := tm.engine.Swap(proofs, msgs)
	if err != nil {
		t.Fatal(err)
	}
	if sigs.Amount() != 13 {
		t.Errorf("expected swap output amount 13, got %v", sigs.Amount())
	}

	states, err := tm.engine.CheckSpendable(proofs)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range states {
		if s != ProofSpent {
			t.Errorf("expected swapped-away proof to be spent, got %v", s)
		}
	}
}

func TestSwapRejectsAmountMismatch(t *testing.T) {
	tm := newTestMint(t, 4, 0)
	proofs := tm.mintAmount(t, 8)

	outs := tm.blindOutputs(t, cashu.AmountSplit(4))
	msgs := make(cashu.BlindedMessages, len(outs))
	for i, o := range outs {
		msgs[i] = o.msg
	}

	_, err := tm.engine.Swap(proofs, msgs)
	if err != cashu.AmountMismatchErr {
		t.Fatalf("expected AmountMismatchErr, got %v", err)
	}

	states, _ := tm.engine.CheckSpendable(proofs)
	for _, s := range states {
		if s != ProofUnspent {
			t.Error("expected inputs to remain unspent after a rejected swap")
		}
	}
}

func TestSwapRejectsDoubleSpend(t *testing.T) {
	tm := newTestMint(t, 4, 0)
	proofs := tm.mintAmount(t, 4)

	outs := tm.blindOutputs(t, cashu.AmountSplit(4))
	msgs := make(cashu.BlindedMessages, len(outs))
	for i, o := range outs {
		msgs[i] = o.msg
	}

	if _, err := tm.engine.Swap(proofs, msgs); err != nil {
		t.Fatal(err)
	}

	outs2 := tm.blindOutputs(t, cashu.AmountSplit(4))
	msgs2 := make(cashu.BlindedMessages, len(outs2))
	for i, o := range outs2 {
		msgs2[i] = o.msg
	}

	_, err := tm.engine.Swap(proofs, msgs2)
	if err != cashu.TokenSpentErr {
		t.Fatalf("expected TokenSpentErr on double spend, got %v", err)
	}
}

func TestMeltWithChange(t *testing.T) {
	tm := newTestMint(t, 6, 0)
	proofs := tm.mintAmount(t, 20)

	meltQuote, err := tm.engine.RequestMeltQuote(tm.unit, 15, "test-invoice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tm.engine.VerifyMeltRequest(meltQuote.Id, proofs); err != nil {
		t.Fatal(err)
	}

	changeOuts := tm.blindOutputs(t, []uint64{1, 2, 4, 8})
	changeMsgs := make(cashu.BlindedMessages, len(changeOuts))
	for i, o := range changeOuts {
		changeMsgs[i] = o.msg
	}

	preimage, change, err := tm.engine.ProcessMeltRequest(meltQuote.Id, proofs, changeMsgs)
	if err != nil {
		t.Fatal(err)
	}
	if preimage == "" {
		t.Error("expected a non-empty preimage")
	}
	if change.Amount() != 5 {
		t.Errorf("expected 5 units of change (20 - 15), got %v", change.Amount())
	}

	states, _ := tm.engine.CheckSpendable(proofs)
	for _, s := range states {
		if s != ProofSpent {
			t.Error("expected melted inputs to be retired into spent")
		}
	}
}

func TestMeltChangeTruncatedToSuppliedOutputs(t *testing.T) {
	tm := newTestMint(t, 6, 0)
	proofs := tm.mintAmount(t, 23) // melt 16, 7 due back as change = [4, 2, 1]

	meltQuote, err := tm.engine.RequestMeltQuote(tm.unit, 16, "test-invoice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tm.engine.VerifyMeltRequest(meltQuote.Id, proofs); err != nil {
		t.Fatal(err)
	}

	// Only 2 outputs supplied for a 3-denomination decomposition: the
	// wallet should get back change for the 2 largest denominations
	// ([4, 2]) and burn the rest, not lose all of it.
	changeOuts := tm.blindOutputs(t, []uint64{4, 2})
	changeMsgs := make(cashu.BlindedMessages, len(changeOuts))
	for i, o := range changeOuts {
		changeMsgs[i] = o.msg
	}

	preimage, change, err := tm.engine.ProcessMeltRequest(meltQuote.Id, proofs, changeMsgs)
	if err != nil {
		t.Fatal(err)
	}
	if preimage == "" {
		t.Error("expected a non-empty preimage")
	}
	if change.Amount() != 6 {
		t.Errorf("expected truncated change of 4+2=6, got %v", change.Amount())
	}
}

func TestSwapEmptyIsNoOp(t *testing.T) {
	tm := newTestMint(t, 4, 0)

	sigs, err := tm.engine.Swap(nil, nil)
	if err != nil {
		t.Fatalf("expected empty swap to be accepted as a no-op, got %v", err)
	}
	if len(sigs) != 0 {
		t.Errorf("expected no signatures from an empty swap, got %v", len(sigs))
	}
}

func TestMeltRejectsInsufficientFunds(t *testing.T) {
	tm := newTestMint(t, 4, 0)
	proofs := tm.mintAmount(t, 4)

	meltQuote, err := tm.engine.RequestMeltQuote(tm.unit, 10, "test-invoice")
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = tm.engine.ProcessMeltRequest(meltQuote.Id, proofs, nil)
	if err != cashu.InsufficientFundsErr {
		t.Fatalf("expected InsufficientFundsErr, got %v", err)
	}

	states, _ := tm.engine.CheckSpendable(proofs)
	for _, s := range states {
		if s != ProofUnspent {
			t.Error("expected inputs to remain unspent after a rejected melt")
		}
	}
}

func TestFeeAwareSwapConservesNetOfFee(t *testing.T) {
	tm := newTestMint(t, 8, 1000) // 1000 ppk == 1 sat per input
	proofs := tm.mintAmount(t, 16)

	outs := tm.blindOutputs(t, cashu.AmountSplit(15))
	msgs := make(cashu.BlindedMessages, len(outs))
	for i, o := range outs {
		msgs[i] = o.msg
	}

	sigs, err := tm.engine.Swap(proofs, msgs)
	if err != nil {
		t.Fatal(err)
	}
	if sigs.Amount() != 15 {
		t.Errorf("expected 16 - 1 sat fee = 15 output units, got %v", sigs.Amount())
	}
}
