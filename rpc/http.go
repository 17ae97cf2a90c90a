package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"musd/crypto"
	"musd/native/lending"
	"musd/native/oracle"
	"musd/native/vault"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Server exposes a read-only JSON-RPC surface over the lending engine, the
// collateral vault, and the price oracle. Mutating operations stay on the
// module's internal call paths.
type Server struct {
	engine *lending.Engine
	vault  *vault.Vault
	oracle *oracle.Oracle
}

func NewServer(engine *lending.Engine, v *vault.Vault, o *oracle.Oracle) *Server {
	return &Server{engine: engine, vault: v, oracle: o}
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, nil, codeInvalidRequest, "POST required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, nil, codeParseError, "failed to read request body")
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, codeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != jsonRPCVersion {
		writeError(w, req.ID, codeInvalidRequest, "unsupported JSON-RPC version")
		return
	}

	result, rpcErr := s.dispatch(req.Method, req.Params)
	if rpcErr != nil {
		writeError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) dispatch(method string, params []json.RawMessage) (interface{}, *RPCError) {
	switch method {
	case "lending_getLedger":
		return s.getLedger()
	case "lending_getPosition":
		return s.getPosition(params)
	case "lending_healthFactor":
		return s.healthFactor(params)
	case "lending_getRates":
		return s.getRates()
	case "vault_deposits":
		return s.deposits(params)
	case "oracle_getPrice":
		return s.getPrice(params)
	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
}

func paramAt(params []json.RawMessage, i int, dst interface{}) error {
	if i >= len(params) {
		return fmt.Errorf("missing parameter %d", i)
	}
	return json.Unmarshal(params[i], dst)
}

func decodeAddressParam(params []json.RawMessage, i int) (crypto.Address, *RPCError) {
	var raw string
	if err := paramAt(params, i, &raw); err != nil {
		return crypto.Address{}, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, &RPCError{Code: codeInvalidParams, Message: "invalid address"}
	}
	return addr, nil
}

func serverError(err error) *RPCError {
	return &RPCError{Code: codeServerError, Message: err.Error()}
}

type ledgerResult struct {
	BorrowIndex       string `json:"borrowIndex"`
	TotalBorrows      string `json:"totalBorrows"`
	TotalSupply       string `json:"totalSupply"`
	Reserves          string `json:"reserves"`
	LastAccrual       int64  `json:"lastAccrual"`
	BadDebt           string `json:"badDebt"`
	CumulativeBadDebt string `json:"cumulativeBadDebt"`
	BadDebtCovered    string `json:"badDebtCovered"`
}

func (s *Server) getLedger() (interface{}, *RPCError) {
	ledger, err := s.engine.Ledger()
	if err != nil {
		return nil, serverError(err)
	}
	return ledgerResult{
		BorrowIndex:       ledger.BorrowIndex.String(),
		TotalBorrows:      ledger.TotalBorrows.String(),
		TotalSupply:       ledger.TotalSupply.String(),
		Reserves:          ledger.Reserves.String(),
		LastAccrual:       ledger.LastAccrual,
		BadDebt:           ledger.BadDebt.String(),
		CumulativeBadDebt: ledger.CumulativeBadDebt.String(),
		BadDebtCovered:    ledger.BadDebtCovered.String(),
	}, nil
}

type positionResult struct {
	Address   string `json:"address"`
	Principal string `json:"principal"`
	Index     string `json:"index"`
	Debt      string `json:"debt"`
}

func (s *Server) getPosition(params []json.RawMessage) (interface{}, *RPCError) {
	addr, rpcErr := decodeAddressParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	position, err := s.engine.Position(addr)
	if err != nil {
		return nil, serverError(err)
	}
	if position == nil {
		return nil, nil
	}
	debt, err := s.engine.TotalDebt(addr)
	if err != nil {
		return nil, serverError(err)
	}
	return positionResult{
		Address:   position.Address.String(),
		Principal: position.Principal.String(),
		Index:     position.Index.String(),
		Debt:      debt.String(),
	}, nil
}

type healthFactorResult struct {
	HealthFactorBps string `json:"healthFactorBps"`
	// Unsafe mirrors the figure on the raw feed path; it stays populated
	// while the deviation breaker suppresses the safe one.
	UnsafeHealthFactorBps string `json:"unsafeHealthFactorBps"`
	SafeUnavailable       bool   `json:"safeUnavailable,omitempty"`
}

func (s *Server) healthFactor(params []json.RawMessage) (interface{}, *RPCError) {
	addr, rpcErr := decodeAddressParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	result := healthFactorResult{}
	safe, err := s.engine.HealthFactor(addr)
	switch {
	case err == nil:
		result.HealthFactorBps = safe.String()
	case errors.Is(err, oracle.ErrStalePrice) || errors.Is(err, oracle.ErrPriceDeviation):
		result.SafeUnavailable = true
	default:
		return nil, serverError(err)
	}
	unsafeHF, err := s.engine.HealthFactorUnsafe(addr)
	if err != nil {
		return nil, serverError(err)
	}
	result.UnsafeHealthFactorBps = unsafeHF.String()
	return result, nil
}

type ratesResult struct {
	UtilisationBps     uint64 `json:"utilisationBps"`
	BorrowRateAprBps   uint64 `json:"borrowRateAprBps"`
	AvailableLiquidity string `json:"availableLiquidity"`
}

func (s *Server) getRates() (interface{}, *RPCError) {
	ledger, err := s.engine.Ledger()
	if err != nil {
		return nil, serverError(err)
	}
	model := s.engine.InterestModel()
	available := new(big.Int).Sub(ledger.TotalSupply, ledger.TotalBorrows)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}
	return ratesResult{
		UtilisationBps:     model.UtilisationBps(ledger.TotalBorrows, ledger.TotalSupply),
		BorrowRateAprBps:   model.BorrowRateAnnualBps(ledger.TotalBorrows, ledger.TotalSupply),
		AvailableLiquidity: available.String(),
	}, nil
}

type depositsResult struct {
	Account  string            `json:"account"`
	Deposits map[string]string `json:"deposits"`
}

func (s *Server) deposits(params []json.RawMessage) (interface{}, *RPCError) {
	addr, rpcErr := decodeAddressParam(params, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	assets, err := s.vault.Assets()
	if err != nil {
		return nil, serverError(err)
	}
	result := depositsResult{Account: addr.String(), Deposits: make(map[string]string)}
	for _, asset := range assets {
		amount, err := s.vault.Deposits(addr, asset)
		if err != nil {
			return nil, serverError(err)
		}
		if amount.Sign() > 0 {
			result.Deposits[asset] = amount.String()
		}
	}
	return result, nil
}

type priceResult struct {
	Asset       string `json:"asset"`
	Price       string `json:"price,omitempty"`
	UnsafePrice string `json:"unsafePrice"`
	// Breaker reports why the safe path declined, empty when it answered.
	Breaker string `json:"breaker,omitempty"`
}

func (s *Server) getPrice(params []json.RawMessage) (interface{}, *RPCError) {
	var asset string
	if err := paramAt(params, 0, &asset); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	result := priceResult{Asset: strings.ToUpper(strings.TrimSpace(asset))}
	price, err := s.oracle.GetPrice(asset)
	switch {
	case err == nil:
		result.Price = price.String()
	case errors.Is(err, oracle.ErrStalePrice):
		result.Breaker = "stale"
	case errors.Is(err, oracle.ErrPriceDeviation):
		result.Breaker = "deviation"
	default:
		return nil, serverError(err)
	}
	raw, err := s.oracle.GetPriceUnsafe(asset)
	if err != nil {
		return nil, serverError(err)
	}
	result.UnsafePrice = raw.String()
	return result, nil
}
