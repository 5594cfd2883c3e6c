// Command mintdemo drives a quote -> mint -> swap -> melt round trip
// against an in-process mint engine and prints each step's response as
// JSON. It is not a server: there is no HTTP/JSON transport here, only
// a walkthrough of the engine's public API against a stub payment
// executor, for operators bringing up the seed/config wiring before
// pointing a real transport at it.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/urfave/cli/v2"

	"github.com/nutforge/mint/cashu"
	"github.com/nutforge/mint/crypto"
	"github.com/nutforge/mint/mint"
)

func main() {
	app := &cli.App{
		Name:  "mintdemo",
		Usage: "walk a Cashu mint engine through quote, mint, swap, and melt",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "optional .env file to load config from"},
			&cli.Uint64Flag{Name: "amount", Value: 21, Usage: "amount to mint, in the configured unit"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := mint.LoadConfig(c.String("env-file"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	engine, err := mint.NewMintFromConfig(cfg, mint.NewMemoryQuoteStore(), mint.NewStubPaymentExecutor(), nil)
	if err != nil {
		return fmt.Errorf("starting mint: %w", err)
	}

	amount := c.Uint64("amount")

	proofs, err := mintAmount(engine, cfg.Unit, amount)
	if err != nil {
		return fmt.Errorf("mint step: %w", err)
	}
	printJSON("minted", proofs)

	swapped, err := swapProofs(engine, proofs)
	if err != nil {
		return fmt.Errorf("swap step: %w", err)
	}
	printJSON("swapped", swapped)

	meltAmount := amount / 2
	preimage, change, err := meltProofs(engine, cfg.Unit, swapped, meltAmount)
	if err != nil {
		return fmt.Errorf("melt step: %w", err)
	}
	printJSON("melted", map[string]any{
		"preimage": preimage,
		"paid":     meltAmount,
		"change":   change,
	})

	return nil
}

func printJSON(label string, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v: <error marshalling: %v>\n", label, err)
		return
	}
	fmt.Printf("%v:\n%s\n\n", label, b)
}

// output bundles a BlindedMessage with the secret/blinding key needed
// to unblind the signature the mint returns for it.
type output struct {
	secret string
	r      []byte
	msg    cashu.BlindedMessage
}

func blindOutputs(keysetId string, amounts []uint64) ([]output, error) {
	outs := make([]output, len(amounts))
	for i, amt := range amounts {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		secretHex := hex.EncodeToString(secret)

		r := make([]byte, 32)
		if _, err := rand.Read(r); err != nil {
			return nil, err
		}

		B_, _ := crypto.BlindMessage([]byte(secretHex), r)
		outs[i] = output{
			secret: secretHex,
			r:      r,
			msg: cashu.BlindedMessage{
				Amount: amt,
				B_:     hex.EncodeToString(B_.SerializeCompressed()),
				Id:     keysetId,
			},
		}
	}
	return outs, nil
}

func keysetIds(engine *mint.Engine, unit string) []string {
	id, ok := engine.ActiveKeysetId(unit)
	if !ok {
		return nil
	}
	return []string{id}
}

func unblind(engine *mint.Engine, outs []output, sigs cashu.BlindedSignatures) (cashu.Proofs, error) {
	if len(outs) != len(sigs) {
		return nil, fmt.Errorf("mismatched outputs (%v) and signatures (%v)", len(outs), len(sigs))
	}

	proofs := make(cashu.Proofs, len(outs))
	for i, o := range outs {
		sig := sigs[i]

		pubKeys, ok := engine.Keys(sig.Id)
		if !ok {
			return nil, fmt.Errorf("unknown keyset %v", sig.Id)
		}
		K, ok := pubKeys[sig.Amount]
		if !ok {
			return nil, fmt.Errorf("no key for amount %v in keyset %v", sig.Amount, sig.Id)
		}

		C_Bytes, err := hex.DecodeString(sig.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_Bytes)
		if err != nil {
			return nil, err
		}

		_, r := crypto.BlindMessage([]byte(o.secret), o.r)
		C := crypto.UnblindSignature(C_, r, K)

		proofs[i] = cashu.Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: o.secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs, nil
}

func mintAmount(engine *mint.Engine, unit string, amount uint64) (cashu.Proofs, error) {
	quote, err := engine.RequestMintQuote(unit, amount)
	if err != nil {
		return nil, err
	}
	if err := engine.MarkQuotePaid(quote.Id); err != nil {
		return nil, err
	}

	keysets := keysetIds(engine, unit)
	if len(keysets) == 0 {
		return nil, fmt.Errorf("no active keyset for unit %v", unit)
	}

	outs, err := blindOutputs(keysets[0], cashu.AmountSplit(amount))
	if err != nil {
		return nil, err
	}

	msgs := make(cashu.BlindedMessages, len(outs))
	for i, o := range outs {
		msgs[i] = o.msg
	}

	sigs, err := engine.MintTokens(quote.Id, msgs)
	if err != nil {
		return nil, err
	}

	return unblind(engine, outs, sigs)
}

func swapProofs(engine *mint.Engine, proofs cashu.Proofs) (cashu.Proofs, error) {
	total := proofs.Amount()
	outs, err := blindOutputs(proofs[0].Id, cashu.AmountSplit(total))
	if err != nil {
		return nil, err
	}

	msgs := make(cashu.BlindedMessages, len(outs))
	for i, o := range outs {
		msgs[i] = o.msg
	}

	sigs, err := engine.Swap(proofs, msgs)
	if err != nil {
		return nil, err
	}

	return unblind(engine, outs, sigs)
}

func meltProofs(engine *mint.Engine, unit string, proofs cashu.Proofs, amount uint64) (string, cashu.Proofs, error) {
	quote, err := engine.RequestMeltQuote(unit, amount, "demo-payment-hash")
	if err != nil {
		return "", nil, err
	}

	changeOuts, err := blindOutputs(proofs[0].Id, cashu.AmountSplit(proofs.Amount()-amount))
	if err != nil {
		return "", nil, err
	}
	changeMsgs := make(cashu.BlindedMessages, len(changeOuts))
	for i, o := range changeOuts {
		changeMsgs[i] = o.msg
	}

	preimage, changeSigs, err := engine.ProcessMeltRequest(quote.Id, proofs, changeMsgs)
	if err != nil {
		return "", nil, err
	}

	change, err := unblind(engine, changeOuts[:len(changeSigs)], changeSigs)
	if err != nil {
		return "", nil, err
	}

	return preimage, change, nil
}
