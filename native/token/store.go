package token

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"musd/crypto"
	"musd/storage"
)

// Store persists token balances and supply into a key-value database.
type Store struct {
	db     storage.Database
	symbol string
}

func NewStore(db storage.Database, symbol string) *Store {
	return &Store{db: db, symbol: symbol}
}

func (s *Store) balanceKey(addr crypto.Address) []byte {
	return []byte("token/" + s.symbol + "/balance/" + hex.EncodeToString(addr.Bytes()))
}

func (s *Store) supplyKey() []byte {
	return []byte("token/" + s.symbol + "/supply")
}

func (s *Store) GetBalance(addr crypto.Address) (*big.Int, error) {
	return s.getAmount(s.balanceKey(addr))
}

func (s *Store) PutBalance(addr crypto.Address, amount *big.Int) error {
	return s.putAmount(s.balanceKey(addr), amount)
}

func (s *Store) GetSupply() (*big.Int, error) {
	return s.getAmount(s.supplyKey())
}

func (s *Store) PutSupply(amount *big.Int) error {
	return s.putAmount(s.supplyKey(), amount)
}

func (s *Store) getAmount(key []byte) (*big.Int, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("token store: corrupt amount at %s", key)
	}
	return amount, nil
}

func (s *Store) putAmount(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return s.db.Put(key, []byte(amount.String()))
}
