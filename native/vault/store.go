package vault

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

// Store persists vault state into a key-value database. It satisfies the
// vault's state interface and keeps a sorted asset index so iteration is
// deterministic.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

type assetRecord struct {
	Symbol                  string `json:"symbol"`
	CollateralFactorBps     uint64 `json:"collateralFactorBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LiquidationPenaltyBps   uint64 `json:"liquidationPenaltyBps"`
	UnitScale               string `json:"unitScale"`
}

func assetKey(symbol string) []byte {
	return []byte("vault/asset/" + symbol)
}

func depositKey(addr crypto.Address, symbol string) []byte {
	return []byte("vault/deposit/" + hex.EncodeToString(addr.Bytes()) + "/" + symbol)
}

func custodyKey(symbol string) []byte {
	return []byte("vault/custody/" + symbol)
}

var assetIndexKey = []byte("vault/assets")

func (s *Store) GetAssetConfig(symbol string) (*AssetConfig, error) {
	raw, err := s.db.Get(assetKey(symbol))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec assetRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("vault store: decode asset %s: %w", symbol, err)
	}
	scale, ok := new(big.Int).SetString(rec.UnitScale, 10)
	if !ok {
		return nil, fmt.Errorf("vault store: invalid unit scale for %s", symbol)
	}
	return &AssetConfig{
		Symbol:                  rec.Symbol,
		CollateralFactorBps:     rec.CollateralFactorBps,
		LiquidationThresholdBps: rec.LiquidationThresholdBps,
		LiquidationPenaltyBps:   rec.LiquidationPenaltyBps,
		UnitScale:               scale,
	}, nil
}

func (s *Store) PutAssetConfig(cfg *AssetConfig) error {
	if cfg == nil {
		return fmt.Errorf("vault store: nil asset config")
	}
	rec := assetRecord{
		Symbol:                  cfg.Symbol,
		CollateralFactorBps:     cfg.CollateralFactorBps,
		LiquidationThresholdBps: cfg.LiquidationThresholdBps,
		LiquidationPenaltyBps:   cfg.LiquidationPenaltyBps,
		UnitScale:               cfg.UnitScale.String(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.db.Put(assetKey(cfg.Symbol), raw); err != nil {
		return err
	}
	return s.indexAsset(cfg.Symbol)
}

func (s *Store) indexAsset(symbol string) error {
	symbols, err := s.ListAssets()
	if err != nil {
		return err
	}
	for _, existing := range symbols {
		if existing == symbol {
			return nil
		}
	}
	symbols = append(symbols, symbol)
	sort.Strings(symbols)
	raw, err := json.Marshal(symbols)
	if err != nil {
		return err
	}
	return s.db.Put(assetIndexKey, raw)
}

func (s *Store) ListAssets() ([]string, error) {
	raw, err := s.db.Get(assetIndexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var symbols []string
	if err := json.Unmarshal(raw, &symbols); err != nil {
		return nil, fmt.Errorf("vault store: decode asset index: %w", err)
	}
	return symbols, nil
}

func (s *Store) GetDeposit(addr crypto.Address, symbol string) (*big.Int, error) {
	return s.getAmount(depositKey(addr, symbol))
}

func (s *Store) PutDeposit(addr crypto.Address, symbol string, amount *big.Int) error {
	return s.putAmount(depositKey(addr, symbol), amount)
}

func (s *Store) GetCustody(symbol string) (*big.Int, error) {
	return s.getAmount(custodyKey(symbol))
}

func (s *Store) PutCustody(symbol string, amount *big.Int) error {
	return s.putAmount(custodyKey(symbol), amount)
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
		return nil, fmt.Errorf("vault store: corrupt amount at %s", key)
	}
	return amount, nil
}

func (s *Store) putAmount(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return s.db.Put(key, []byte(amount.String()))
}
