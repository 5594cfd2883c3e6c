package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// MintKeyset holds one generation of a mint's signing keys: one keypair
// per power-of-two amount, all derived from a single BIP32 path so the
// whole keyset can be recovered from the master seed plus its index.
type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	Keys              map[uint64]KeyPair
	InputFeePpk       uint
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// DeriveKeysetPath returns the hardened path m/0'/0'/index' a keyset's
// per-amount keys are derived under. The unit-level m/0'/0' segment
// matches every Cashu unit sharing the mint's seed; callers distinguish
// units by index, not by path.
func DeriveKeysetPath(key *hdkeychain.ExtendedKey, index uint32) (*hdkeychain.ExtendedKey, error) {
	// path m/0'
	child, err := key.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// path m/0'/0'
	unitPath, err := child.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// path m/0'/0'/index'
	keysetPath, err := unitPath.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, err
	}

	return keysetPath, nil
}

// GenerateKeyset derives a fresh keyset from master at the given index,
// with one keypair for every power of two up to 2^(maxOrder-1). maxOrder
// bounds the largest single denomination the keyset can sign for; a
// caller wanting amounts up to 2^20 sats passes maxOrder=21.
func GenerateKeyset(master *hdkeychain.ExtendedKey, index uint32, unit string, maxOrder int, inputFeePpk uint) (*MintKeyset, error) {
	keys := make(map[uint64]KeyPair, maxOrder)

	keysetPath, err := DeriveKeysetPath(master, index)
	if err != nil {
		return nil, err
	}

	pks := make(map[uint64]*secp256k1.PublicKey, maxOrder)
	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << uint(i)
		amountPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		if err != nil {
			return nil, err
		}

		privKey, err := amountPath.ECPrivKey()
		if err != nil {
			return nil, err
		}
		pubKey, err := amountPath.ECPubKey()
		if err != nil {
			return nil, err
		}

		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: pubKey}
		pks[amount] = pubKey
	}
	keysetId := DeriveKeysetId(pks)

	return &MintKeyset{
		Id:                keysetId,
		Unit:              unit,
		Active:            true,
		DerivationPathIdx: index,
		Keys:              keys,
		InputFeePpk:       inputFeePpk,
	}, nil
}

type PublicKeys map[uint64]*secp256k1.PublicKey

// MarshalJSON sorts by amount so a keyset's JSON form is stable and
// diffable across mint restarts.
func (pks PublicKeys) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	amounts := make([]uint64, len(pks))
	i := 0
	for k := range pks {
		amounts[i] = k
		i++
	}
	slices.Sort(amounts)

	for j, amount := range amounts {
		if j != 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(amount)
		if err != nil {
			return nil, err
		}
		buf.WriteByte('"')
		buf.Write(key)
		buf.WriteByte('"')
		buf.WriteByte(':')

		pubkey := hex.EncodeToString(pks[amount].SerializeCompressed())
		val, err := json.Marshal(pubkey)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (pks PublicKeys) UnmarshalJSON(data []byte) error {
	var tempKeys map[uint64]string
	if err := json.Unmarshal(data, &tempKeys); err != nil {
		return err
	}

	for amount, key := range tempKeys {
		keyBytes, err := hex.DecodeString(key)
		if err != nil {
			return err
		}
		publicKey, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			return fmt.Errorf("invalid public key: %v", err)
		}
		pks[amount] = publicKey
	}
	return nil
}

// DeriveKeysetId returns the string ID derived from a keyset's public
// keys:
//   - sort public keys by amount ascending
//   - concatenate all compressed public keys into one byte slice
//   - SHA-256 the concatenation
//   - prefix the first 14 hex characters of the digest with a version byte
func DeriveKeysetId(keyset PublicKeys) string {
	type pubkey struct {
		amount uint64
		pk     *secp256k1.PublicKey
	}
	pubkeys := make([]pubkey, len(keyset))
	i := 0
	for amount, key := range keyset {
		pubkeys[i] = pubkey{amount, key}
		i++
	}
	sort.Slice(pubkeys, func(i, j int) bool {
		return pubkeys[i].amount < pubkeys[j].amount
	})

	keys := make([]byte, 0, len(pubkeys)*33)
	for _, key := range pubkeys {
		keys = append(keys, key.pk.SerializeCompressed()...)
	}
	hash := sha256.New()
	hash.Write(keys)

	return "00" + hex.EncodeToString(hash.Sum(nil))[:14]
}

// PublicKeys returns the keyset's public half, keyed by amount — the
// shape published to wallets so they can verify blind signatures.
func (ks *MintKeyset) PublicKeys() PublicKeys {
	pubkeys := make(map[uint64]*secp256k1.PublicKey, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubkeys[amount] = key.PublicKey
	}
	return pubkeys
}

// AmountKey returns the keypair this keyset holds for amount, and
// whether it exists at all: amounts outside the keyset's denomination
// set have no key.
func (ks *MintKeyset) AmountKey(amount uint64) (KeyPair, bool) {
	kp, ok := ks.Keys[amount]
	return kp, ok
}

type keysetTemp struct {
	Id          string
	Unit        string
	Active      bool
	Keys        map[uint64]json.RawMessage
	InputFeePpk uint
}

func (ks *MintKeyset) MarshalJSON() ([]byte, error) {
	temp := &keysetTemp{
		Id:     ks.Id,
		Unit:   ks.Unit,
		Active: ks.Active,
		Keys: func() map[uint64]json.RawMessage {
			m := make(map[uint64]json.RawMessage)
			for k, v := range ks.Keys {
				b, _ := json.Marshal(&v)
				m[k] = b
			}
			return m
		}(),
		InputFeePpk: ks.InputFeePpk,
	}

	return json.Marshal(temp)
}

func (ks *MintKeyset) UnmarshalJSON(data []byte) error {
	temp := &keysetTemp{}

	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	ks.Id = temp.Id
	ks.Unit = temp.Unit
	ks.Active = temp.Active
	ks.InputFeePpk = temp.InputFeePpk

	ks.Keys = make(map[uint64]KeyPair)
	for k, v := range temp.Keys {
		var kp KeyPair
		if err := json.Unmarshal(v, &kp); err != nil {
			return err
		}
		ks.Keys[k] = kp
	}

	return nil
}

type keyPairTemp struct {
	PrivateKey []byte `json:"private_key"`
	PublicKey  []byte `json:"public_key"`
}

func (kp *KeyPair) MarshalJSON() ([]byte, error) {
	var privKey []byte
	if kp.PrivateKey != nil {
		privKey = append(privKey, kp.PrivateKey.Serialize()...)
	}
	res := keyPairTemp{
		PrivateKey: privKey,
		PublicKey:  kp.PublicKey.SerializeCompressed(),
	}
	return json.Marshal(res)
}

func (kp *KeyPair) UnmarshalJSON(data []byte) error {
	aux := &keyPairTemp{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	kp.PrivateKey = secp256k1.PrivKeyFromBytes(aux.PrivateKey)

	var err error
	kp.PublicKey, err = secp256k1.ParsePubKey(aux.PublicKey)
	if err != nil {
		return err
	}

	return nil
}
