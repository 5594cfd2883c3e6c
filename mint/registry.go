// Package mint implements the mint-side engine that sits on top of the
// crypto package: a registry of keysets, a ledger of spent/pending
// secrets, and the mint/swap/melt operations that move value between
// them.
package mint

import (
	"fmt"
	"sort"
	"time"

	"github.com/nutforge/mint/cashu"
	"github.com/nutforge/mint/crypto"
)

// KeysetInfo is the public, storage-independent description of a
// keyset: everything a caller needs to pick a keyset and validate its
// lifetime, without exposing the private keys underneath.
type KeysetInfo struct {
	Id             string
	Unit           string
	Active         bool
	InputFeePpk    uint
	DerivationPath uint32
	MaxOrder       int
	ValidFrom      time.Time
	ValidTo        time.Time // zero value means no expiry
}

// effectivelyActive reports whether a keyset should accept new
// signatures right now: its Active flag is set, and now falls inside
// its validity window. A keyset past ValidTo is treated as inactive
// for signing even if nobody ever flipped Active, mirroring how the
// mint deactivates superseded keysets at load time.
func (ki KeysetInfo) effectivelyActive(now time.Time) bool {
	if !ki.Active {
		return false
	}
	if !ki.ValidTo.IsZero() && now.After(ki.ValidTo) {
		return false
	}
	if !ki.ValidFrom.IsZero() && now.Before(ki.ValidFrom) {
		return false
	}
	return true
}

// KeysetRegistry is the mint's keyset directory: every keyset it has
// ever issued, known by id, with at most one active keyset per unit.
type KeysetRegistry struct {
	keysets map[string]*crypto.MintKeyset
	info    map[string]KeysetInfo
}

// NewKeysetRegistry builds a registry from a set of keysets. It
// enforces the one-active-keyset-per-unit rule at construction: if two
// keysets for the same unit are both active, construction fails with
// DuplicateActiveUnit rather than silently picking one or panicking.
func NewKeysetRegistry(keysets []*crypto.MintKeyset, infos map[string]KeysetInfo) (*KeysetRegistry, error) {
	activeUnit := make(map[string]string, len(keysets))

	reg := &KeysetRegistry{
		keysets: make(map[string]*crypto.MintKeyset, len(keysets)),
		info:    make(map[string]KeysetInfo, len(keysets)),
	}

	for _, ks := range keysets {
		reg.keysets[ks.Id] = ks
		info, ok := infos[ks.Id]
		if !ok {
			info = KeysetInfo{
				Id:          ks.Id,
				Unit:        ks.Unit,
				Active:      ks.Active,
				InputFeePpk: ks.InputFeePpk,
				MaxOrder:    len(ks.Keys),
			}
		}
		reg.info[ks.Id] = info

		if info.effectivelyActive(time.Now()) {
			if prev, exists := activeUnit[ks.Unit]; exists && prev != ks.Id {
				return nil, cashu.BuildCashuError(
					fmt.Sprintf("keysets %v and %v are both active for unit %v", prev, ks.Id, ks.Unit),
					cashu.DuplicateActiveUnitErrCode,
				)
			}
			activeUnit[ks.Unit] = ks.Id
		}
	}

	return reg, nil
}

// Keyset returns the private keyset for id, for internal use by the
// engine only (signing requires the private keys).
func (r *KeysetRegistry) Keyset(id string) (*crypto.MintKeyset, bool) {
	ks, ok := r.keysets[id]
	return ks, ok
}

// Info returns the public description of keyset id.
func (r *KeysetRegistry) Info(id string) (KeysetInfo, bool) {
	info, ok := r.info[id]
	return info, ok
}

// IsActive reports whether id names a currently signable keyset.
func (r *KeysetRegistry) IsActive(id string) bool {
	info, ok := r.info[id]
	return ok && info.effectivelyActive(time.Now())
}

// ActiveKeyset returns the single active keyset for unit, if any.
func (r *KeysetRegistry) ActiveKeyset(unit string) (*crypto.MintKeyset, bool) {
	for id, info := range r.info {
		if info.Unit == unit && info.effectivelyActive(time.Now()) {
			ks := r.keysets[id]
			return ks, ks != nil
		}
	}
	return nil, false
}

// Keysets returns every keyset's public info, sorted by id for a
// stable response shape.
func (r *KeysetRegistry) Keysets() []KeysetInfo {
	infos := make([]KeysetInfo, 0, len(r.info))
	for _, info := range r.info {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Id < infos[j].Id })
	return infos
}

// Add registers a newly generated keyset, enforcing the
// one-active-keyset-per-unit rule against the keysets already present.
func (r *KeysetRegistry) Add(ks *crypto.MintKeyset, info KeysetInfo) error {
	if info.effectivelyActive(time.Now()) {
		if existing, ok := r.ActiveKeyset(ks.Unit); ok && existing.Id != ks.Id {
			return cashu.BuildCashuError(
				fmt.Sprintf("unit %v already has active keyset %v", ks.Unit, existing.Id),
				cashu.DuplicateActiveUnitErrCode,
			)
		}
	}
	r.keysets[ks.Id] = ks
	r.info[ks.Id] = info
	return nil
}

// Deactivate flips a keyset's Active flag off, letting a caller
// supersede it with a new active keyset for the same unit without ever
// having two active keysets visible at once.
func (r *KeysetRegistry) Deactivate(id string) error {
	info, ok := r.info[id]
	if !ok {
		return cashu.UnknownKeySetErr
	}
	info.Active = false
	r.info[id] = info
	return nil
}
