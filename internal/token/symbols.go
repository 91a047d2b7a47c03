package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

var prefixSymbol = []byte("y/") // y/<canonical symbol> -> tokenID(32)

// ErrSymbolTaken is returned when a symbol is already claimed by a
// different token than the one attempting to mint it.
var ErrSymbolTaken = errors.New("token symbol already issued")

// CanonicalSymbol normalizes a token symbol for uniqueness comparison: it
// upper-cases the symbol and strips any "@suffix" chain qualifier, so
// "ABC", "abc", and "ABC@sidechain-1" all collide on the same canonical
// key. This is what makes the uniqueness check cross-chain and
// cross-suffix rather than literal-string.
func CanonicalSymbol(symbol string) string {
	if i := strings.IndexByte(symbol, '@'); i >= 0 {
		symbol = symbol[:i]
	}
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func symbolKey(canonical string) []byte {
	key := make([]byte, 0, len(prefixSymbol)+len(canonical))
	key = append(key, prefixSymbol...)
	key = append(key, canonical...)
	return key
}

// ClaimSymbol records id as the owner of symbol's canonical form. If the
// symbol is unclaimed, or already owned by id itself (idempotent re-claim
// during reorg replay), the claim succeeds. If it is owned by a different
// token, ErrSymbolTaken is returned.
func (s *Store) ClaimSymbol(symbol string, id types.TokenID) error {
	if symbol == "" {
		return nil // No symbol declared — nothing to enforce.
	}
	canonical := CanonicalSymbol(symbol)
	if canonical == "" {
		return nil
	}

	existing, found, err := s.SymbolOwner(canonical)
	if err != nil {
		return fmt.Errorf("symbol lookup: %w", err)
	}
	if found && existing != id {
		return fmt.Errorf("%w: %q held by token %s", ErrSymbolTaken, canonical, existing)
	}
	if found {
		return nil
	}

	return s.db.Put(symbolKey(canonical), id[:])
}

// SymbolOwner returns the token ID holding canonical (already normalized
// via CanonicalSymbol), if any.
func (s *Store) SymbolOwner(canonical string) (types.TokenID, bool, error) {
	data, err := s.db.Get(symbolKey(canonical))
	if err != nil {
		return types.TokenID{}, false, nil
	}
	if len(data) != types.HashSize {
		return types.TokenID{}, false, fmt.Errorf("corrupt symbol index entry for %q", canonical)
	}
	var id types.TokenID
	copy(id[:], data)
	return id, true, nil
}

// ReleaseSymbol removes the claim on symbol's canonical form, but only if
// it is currently held by id — used to undo a mint's symbol claim during
// reorg rollback without clobbering a later claim by a different token.
func (s *Store) ReleaseSymbol(symbol string, id types.TokenID) error {
	canonical := CanonicalSymbol(symbol)
	if canonical == "" {
		return nil
	}
	existing, found, err := s.SymbolOwner(canonical)
	if err != nil {
		return err
	}
	if !found || existing != id {
		return nil
	}
	return s.db.Delete(symbolKey(canonical))
}
