package lending

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"musd/crypto"
	"musd/storage"
)

// Store persists the borrow ledger into a key-value database. It satisfies
// the engine's state interface and keeps a sorted borrower index so position
// iteration is deterministic.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type ledgerRecord struct {
	BorrowIndex       string `json:"borrowIndex"`
	TotalBorrows      string `json:"totalBorrows"`
	TotalSupply       string `json:"totalSupply"`
	Reserves          string `json:"reserves"`
	LastAccrual       int64  `json:"lastAccrual"`
	BadDebt           string `json:"badDebt"`
	CumulativeBadDebt string `json:"cumulativeBadDebt"`
	BadDebtCovered    string `json:"badDebtCovered"`
}

type positionRecord struct {
	Address   string `json:"address"`
	Principal string `json:"principal"`
	Index     string `json:"index"`
}

var (
	ledgerKey        = []byte("lending/ledger")
	positionIndexKey = []byte("lending/positions")
)

func positionKey(addr crypto.Address) []byte {
	return []byte("lending/position/" + hex.EncodeToString(addr.Bytes()))
}

func (s *Store) GetLedger() (*Ledger, error) {
	raw, err := s.db.Get(ledgerKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec ledgerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("lending store: decode ledger: %w", err)
	}
	ledger := &Ledger{LastAccrual: rec.LastAccrual}
	fields := []struct {
		value string
		dst   **big.Int
	}{
		{rec.BorrowIndex, &ledger.BorrowIndex},
		{rec.TotalBorrows, &ledger.TotalBorrows},
		{rec.TotalSupply, &ledger.TotalSupply},
		{rec.Reserves, &ledger.Reserves},
		{rec.BadDebt, &ledger.BadDebt},
		{rec.CumulativeBadDebt, &ledger.CumulativeBadDebt},
		{rec.BadDebtCovered, &ledger.BadDebtCovered},
	}
	for _, f := range fields {
		parsed, err := parseAmount(f.value)
		if err != nil {
			return nil, fmt.Errorf("lending store: decode ledger: %w", err)
		}
		*f.dst = parsed
	}
	return ledger, nil
}

func (s *Store) PutLedger(l *Ledger) error {
	if l == nil {
		return fmt.Errorf("lending store: nil ledger")
	}
	rec := ledgerRecord{
		BorrowIndex:       amountString(l.BorrowIndex),
		TotalBorrows:      amountString(l.TotalBorrows),
		TotalSupply:       amountString(l.TotalSupply),
		Reserves:          amountString(l.Reserves),
		LastAccrual:       l.LastAccrual,
		BadDebt:           amountString(l.BadDebt),
		CumulativeBadDebt: amountString(l.CumulativeBadDebt),
		BadDebtCovered:    amountString(l.BadDebtCovered),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(ledgerKey, raw)
}

func (s *Store) GetPosition(addr crypto.Address) (*DebtPosition, error) {
	raw, err := s.db.Get(positionKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodePosition(raw)
}

func decodePosition(raw []byte) (*DebtPosition, error) {
	var rec positionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("lending store: decode position: %w", err)
	}
	if rec.Address == "" {
		// Tombstone left by DeletePosition.
		return nil, nil
	}
	addr, err := crypto.DecodeAddress(rec.Address)
	if err != nil {
		return nil, fmt.Errorf("lending store: decode position address: %w", err)
	}
	principal, err := parseAmount(rec.Principal)
	if err != nil {
		return nil, fmt.Errorf("lending store: decode position: %w", err)
	}
	index, err := parseAmount(rec.Index)
	if err != nil {
		return nil, fmt.Errorf("lending store: decode position: %w", err)
	}
	return &DebtPosition{Address: addr, Principal: principal, Index: index}, nil
}

func (s *Store) PutPosition(p *DebtPosition) error {
	if p == nil {
		return fmt.Errorf("lending store: nil position")
	}
	rec := positionRecord{
		Address:   p.Address.String(),
		Principal: amountString(p.Principal),
		Index:     amountString(p.Index),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.db.Put(positionKey(p.Address), raw); err != nil {
		return err
	}
	return s.indexPosition(hex.EncodeToString(p.Address.Bytes()), true)
}

func (s *Store) DeletePosition(addr crypto.Address) error {
	// The database interface carries no delete; an empty record marks the
	// position closed and is dropped from the index.
	if err := s.db.Put(positionKey(addr), []byte("{}")); err != nil {
		return err
	}
	return s.indexPosition(hex.EncodeToString(addr.Bytes()), false)
}

func (s *Store) indexPosition(key string, present bool) error {
	keys, err := s.listPositionKeys()
	if err != nil {
		return err
	}
	found := -1
	for i, existing := range keys {
		if existing == key {
			found = i
			break
		}
	}
	switch {
	case present && found >= 0:
		return nil
	case present:
		keys = append(keys, key)
		sort.Strings(keys)
	case found >= 0:
		keys = append(keys[:found], keys[found+1:]...)
	default:
		return nil
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return s.db.Put(positionIndexKey, raw)
}

func (s *Store) listPositionKeys() ([]string, error) {
	raw, err := s.db.Get(positionIndexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("lending store: decode position index: %w", err)
	}
	return keys, nil
}

func (s *Store) ListPositions() ([]*DebtPosition, error) {
	keys, err := s.listPositionKeys()
	if err != nil {
		return nil, err
	}
	positions := make([]*DebtPosition, 0, len(keys))
	for _, key := range keys {
		bytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("lending store: corrupt position index entry %q", key)
		}
		position, err := s.GetPosition(crypto.NewAddress(crypto.AccountPrefix, bytes))
		if err != nil {
			return nil, err
		}
		if position == nil || position.Principal == nil || position.Principal.Sign() == 0 {
			continue
		}
		positions = append(positions, position)
	}
	return positions, nil
}

func parseAmount(value string) (*big.Int, error) {
	if value == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
