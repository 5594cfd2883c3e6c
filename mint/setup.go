package mint

import (
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/nutforge/mint/crypto"
)

// NewMintFromConfig derives the mint's first keyset from cfg and wires
// it into a ready Engine, the same bootstrap sequence LoadMint performs
// against a populated database: derive master key, generate the active
// keyset for the configured unit, register it, then build the engine
// on top.
func NewMintFromConfig(cfg Config, quotes QuoteStore, payments PaymentExecutor, logger *slog.Logger) (*Engine, error) {
	master, err := hdkeychain.NewMaster(cfg.Seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	keyset, err := crypto.GenerateKeyset(master, cfg.DerivationPathIdx, cfg.Unit, cfg.MaxOrder, cfg.InputFeePpk)
	if err != nil {
		return nil, fmt.Errorf("generating keyset: %w", err)
	}

	info := KeysetInfo{
		Id:             keyset.Id,
		Unit:           keyset.Unit,
		Active:         true,
		InputFeePpk:    keyset.InputFeePpk,
		DerivationPath: cfg.DerivationPathIdx,
		MaxOrder:       cfg.MaxOrder,
	}

	registry, err := NewKeysetRegistry([]*crypto.MintKeyset{keyset}, map[string]KeysetInfo{keyset.Id: info})
	if err != nil {
		return nil, err
	}

	return NewEngine(registry, quotes, payments, logger), nil
}

// RotateKeyset derives and registers a new active keyset for unit at
// derivationPathIdx, deactivating none of the existing keysets itself —
// the caller is expected to have already flipped the old one's Active
// flag via the registry before calling this, so the
// one-active-keyset-per-unit rule is never transiently violated.
func RotateKeyset(registry *KeysetRegistry, master *hdkeychain.ExtendedKey, derivationPathIdx uint32, unit string, maxOrder int, inputFeePpk uint) (*crypto.MintKeyset, error) {
	keyset, err := crypto.GenerateKeyset(master, derivationPathIdx, unit, maxOrder, inputFeePpk)
	if err != nil {
		return nil, err
	}

	info := KeysetInfo{
		Id:             keyset.Id,
		Unit:           keyset.Unit,
		Active:         true,
		InputFeePpk:    keyset.InputFeePpk,
		DerivationPath: derivationPathIdx,
		MaxOrder:       maxOrder,
	}

	if err := registry.Add(keyset, info); err != nil {
		return nil, err
	}

	return keyset, nil
}
