package consensus

import (
	"crypto/ed25519"
	"fmt"
	"slices"
)

// Validator is one member of the static validator set.
type Validator struct {
	ID        string
	PublicKey ed25519.PublicKey
}

// ValidatorSet is the agreed membership. It is immutable after construction.
type ValidatorSet struct {
	ids    []string // sorted lexicographically
	byID   map[string]Validator
	byKey  map[string]string // string(pubkey) -> id
	faulty int
}

// NewValidatorSet builds the membership from vals.
func NewValidatorSet(vals []Validator) (*ValidatorSet, error) {
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidValidators)
	}

	vs := &ValidatorSet{
		ids:   make([]string, 0, len(vals)),
		byID:  make(map[string]Validator, len(vals)),
		byKey: make(map[string]string, len(vals)),
	}

	for _, v := range vals {
		if v.ID == "" {
			return nil, fmt.Errorf("%w: validator without id", ErrInvalidValidators)
		}
		if len(v.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: %s has a %d-byte key", ErrInvalidValidators, v.ID, len(v.PublicKey))
		}
		if _, dup := vs.byID[v.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidValidators, v.ID)
		}
		if other, dup := vs.byKey[string(v.PublicKey)]; dup {
			return nil, fmt.Errorf("%w: %s and %s share a key", ErrInvalidValidators, other, v.ID)
		}

		key := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(key, v.PublicKey)

		vs.byID[v.ID] = Validator{ID: v.ID, PublicKey: key}
		vs.byKey[string(key)] = v.ID
		vs.ids = append(vs.ids, v.ID)
	}

	slices.Sort(vs.ids)
	vs.faulty = (len(vs.ids) - 1) / 3

	return vs, nil
}

// Len returns N, the number of validators.
func (vs *ValidatorSet) Len() int { return len(vs.ids) }

// F returns the number of faulty validators tolerated.
func (vs *ValidatorSet) F() int { return vs.faulty }

// QuorumSize returns N - f, which is 2f+1 when N = 3f+1.
func (vs *ValidatorSet) QuorumSize() int { return len(vs.ids) - vs.faulty }

// IDs returns the validator ids in sorted order.
func (vs *ValidatorSet) IDs() []string { return slices.Clone(vs.ids) }

// PrimaryFor returns the primary of view.
func (vs *ValidatorSet) PrimaryFor(view uint64) string {
	return vs.ids[view%uint64(len(vs.ids))]
}

// IsPrimary reports whether id is the primary of view.
func (vs *ValidatorSet) IsPrimary(id string, view uint64) bool {
	return vs.PrimaryFor(view) == id
}

// Get returns the validator with id.
func (vs *ValidatorSet) Get(id string) (Validator, bool) {
	v, ok := vs.byID[id]
	return v, ok
}

// Contains reports whether id is a member.
func (vs *ValidatorSet) Contains(id string) bool {
	_, ok := vs.byID[id]
	return ok
}

// IDByKey returns the id registered for pub.
func (vs *ValidatorSet) IDByKey(pub ed25519.PublicKey) (string, bool) {
	id, ok := vs.byKey[string(pub)]
	return id, ok
}

// Verify checks sig over msg against id's registered key.
func (vs *ValidatorSet) Verify(id string, msg, sig []byte) error {
	v, ok := vs.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValidator, id)
	}

	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(v.PublicKey, msg, sig) {
		return fmt.Errorf("%w: from %s", ErrInvalidSignature, id)
	}

	return nil
}
