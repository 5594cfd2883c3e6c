package mint

// PaymentExecutor is the mint's boundary to a Lightning node: the
// engine only ever needs to ask for a fee reserve estimate and to send
// a payment, then learn whether it settled. Everything about how that
// happens — which node, which channels, which backend — is explicitly
// outside this core; callers supply their own implementation.
type PaymentExecutor interface {
	// FeeReserve estimates the routing fee reserve the mint should hold
	// back from a melt of amount (same unit as the quote), before the
	// payment is attempted.
	FeeReserve(amount uint64) uint64

	// Pay attempts to pay a Lightning invoice up to maxFee beyond its
	// face value. It returns the preimage and actual fee paid on
	// success.
	Pay(invoice string, maxFee uint64) (preimage string, feePaid uint64, err error)
}

// stubPaymentExecutor always "pays" instantly for a fixed fee of zero,
// exercised by cmd/mintdemo so the CLI walkthrough runs without a real
// Lightning node.
type stubPaymentExecutor struct{}

// NewStubPaymentExecutor returns a PaymentExecutor that settles every
// payment immediately with a synthetic preimage. It is not a real
// Lightning integration; it exists only so the demo binary is runnable
// end to end.
func NewStubPaymentExecutor() PaymentExecutor {
	return stubPaymentExecutor{}
}

func (stubPaymentExecutor) FeeReserve(amount uint64) uint64 {
	return 0
}

func (stubPaymentExecutor) Pay(invoice string, maxFee uint64) (string, uint64, error) {
	return "stub-preimage-" + invoice, 0, nil
}
