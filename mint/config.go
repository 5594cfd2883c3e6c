package mint

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"
)

// Config is everything NewMintFromConfig needs to stand up an Engine: seed
// material for keyset derivation, the keyset shape, and a per-input fee.
type Config struct {
	Seed              []byte
	Unit              string
	MaxOrder          int
	DerivationPathIdx uint32
	InputFeePpk       uint
}

// LoadConfig reads mint configuration from the environment, the same
// way the mint's own config layer does: a MINT_SEED hex string or a
// MINT_MNEMONIC BIP-39 phrase (the mnemonic wins if both are set), plus the keyset
// shape and fee knobs. If envFile is non-empty it's loaded with
// godotenv first so a local .env can supply these without exporting
// them into the shell.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("loading env file %v: %w", envFile, err)
		}
	}

	cfg := Config{
		Unit:        "sat",
		MaxOrder:    32,
		InputFeePpk: 0,
	}

	if unit := os.Getenv("MINT_UNIT"); unit != "" {
		cfg.Unit = unit
	}

	if maxOrderStr := os.Getenv("MINT_MAX_ORDER"); maxOrderStr != "" {
		maxOrder, err := strconv.Atoi(maxOrderStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MINT_MAX_ORDER: %w", err)
		}
		cfg.MaxOrder = maxOrder
	}

	if pathIdxStr := os.Getenv("MINT_DERIVATION_PATH_IDX"); pathIdxStr != "" {
		pathIdx, err := strconv.ParseUint(pathIdxStr, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MINT_DERIVATION_PATH_IDX: %w", err)
		}
		cfg.DerivationPathIdx = uint32(pathIdx)
	}

	if feeStr := os.Getenv("MINT_INPUT_FEE_PPK"); feeStr != "" {
		fee, err := strconv.ParseUint(feeStr, 10, 0)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MINT_INPUT_FEE_PPK: %w", err)
		}
		cfg.InputFeePpk = uint(fee)
	}

	seed, err := seedFromEnv()
	if err != nil {
		return Config{}, err
	}
	cfg.Seed = seed

	return cfg, nil
}

// seedFromEnv resolves MINT_MNEMONIC (a BIP-39 phrase, converted to
// seed bytes) or MINT_SEED (raw hex) into the seed LoadConfig returns.
func seedFromEnv() ([]byte, error) {
	if mnemonic := os.Getenv("MINT_MNEMONIC"); mnemonic != "" {
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, fmt.Errorf("MINT_MNEMONIC is not a valid BIP-39 mnemonic")
		}
		return bip39.NewSeed(mnemonic, os.Getenv("MINT_MNEMONIC_PASSPHRASE")), nil
	}

	if seedHex := os.Getenv("MINT_SEED"); seedHex != "" {
		decoded, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("invalid MINT_SEED hex: %w", err)
		}
		return decoded, nil
	}

	return nil, fmt.Errorf("no seed configured: set MINT_MNEMONIC or MINT_SEED")
}
