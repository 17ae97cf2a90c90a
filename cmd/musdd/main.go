package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"musd/config"
	"musd/crypto"
	"musd/native/common"
	"musd/native/lending"
	"musd/native/oracle"
	"musd/native/token"
	"musd/native/vault"
	"musd/observability/logging"
	"musd/rpc"
	"musd/storage"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	envName     = "MUSD_ENV"
	adminEnv    = "MUSD_ADMIN_ADDRESS"
	adminKeyEnv = "MUSD_ADMIN_KEY"
	accrueTick  = time.Minute
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genKey := flag.Bool("genkey", false, "Generate a governance key pair, print it, and exit")
	flag.Parse()

	if *genKey {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("private key: %x\n", key.Bytes())
		fmt.Printf("address:     %s\n", key.PubKey().Address())
		return
	}

	env := strings.TrimSpace(os.Getenv(envName))
	logger := logging.Setup("musdd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Module principals are fixed derivations, not keys anyone holds.
	operator := moduleAccount("musd/operator")
	lendingAddr := moduleAccount("musd/lending")
	custodyAddr := moduleAccount("musd/vault/custody")

	roles := common.NewRoleStore()
	roles.Grant(operator, common.CapConfigureAsset)
	roles.Grant(operator, common.CapSetFeed)
	roles.Grant(lendingAddr, common.CapVaultWithdraw)
	roles.Grant(lendingAddr, common.CapVaultSeize)
	adminAddr, err := governanceAddress()
	if err != nil {
		logger.Error("invalid admin credentials", slog.Any("error", err))
		os.Exit(1)
	}
	if !adminAddr.IsZero() {
		for _, cap := range []common.Capability{
			common.CapConfigureAsset,
			common.CapSetFeed,
			common.CapResetPrice,
			common.CapManageSupply,
			common.CapCoverBadDebt,
		} {
			roles.Grant(adminAddr, cap)
		}
		logger.Info("admin capabilities granted", slog.String("address", adminAddr.String()))
	}

	priceOracle := oracle.NewOracle(roles)
	for _, feed := range cfg.Oracle.Feeds {
		if strings.TrimSpace(feed.Endpoint) == "" {
			logger.Warn("feed without endpoint skipped", slog.String("asset", feed.Asset))
			continue
		}
		err := priceOracle.SetFeed(operator, feed.Asset, oracle.NewHTTPFeed(feed.Endpoint), oracle.FeedConfig{
			Heartbeat:       feed.Heartbeat(),
			MaxDeviationBps: feed.MaxDeviationBps,
			UnitScale:       unitScale(feed.UnitScaleDigits),
		})
		if err != nil {
			logger.Error("failed to register feed", slog.String("asset", feed.Asset), slog.Any("error", err))
			os.Exit(1)
		}
	}

	collateral := vault.NewVault(custodyAddr, roles)
	collateral.SetState(vault.NewStore(db))
	collateral.SetLogger(logger)
	for _, asset := range cfg.Vault.Assets {
		err := collateral.RegisterAsset(operator, vault.AssetConfig{
			Symbol:                  asset.Symbol,
			CollateralFactorBps:     asset.CollateralFactorBps,
			LiquidationThresholdBps: asset.LiquidationThresholdBps,
			LiquidationPenaltyBps:   asset.LiquidationPenaltyBps,
			UnitScale:               unitScale(asset.UnitScaleDigits),
		})
		if err != nil {
			logger.Error("failed to register asset", slog.String("asset", asset.Symbol), slog.Any("error", err))
			os.Exit(1)
		}
	}

	issuer := token.NewToken(cfg.Lending.DebtSymbol, parseAmount(cfg.Lending.MaxSupply))
	issuer.SetState(token.NewStore(db, cfg.Lending.DebtSymbol))

	engine := lending.NewEngine(lendingAddr, lending.RiskConfig{
		CloseFactorBps:   cfg.Lending.CloseFactorBps,
		ReserveFactorBps: cfg.Lending.ReserveFactorBps,
		MinDebtWei:       parseAmount(cfg.Lending.MinDebt),
		DebtSymbol:       cfg.Lending.DebtSymbol,
		HealthBandBps:    cfg.Lending.HealthBandBps,
	})
	engine.SetState(lending.NewStore(db))
	engine.SetVault(collateral)
	engine.SetPrices(priceOracle)
	engine.SetToken(issuer)
	engine.SetAuthority(roles)
	engine.SetLogger(logger)
	engine.SetInterestModel(lending.NewInterestModel(
		cfg.Lending.BaseRate,
		cfg.Lending.Slope1,
		cfg.Lending.Slope2,
		cfg.Lending.Kink,
		cfg.Lending.MaxRate,
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("metrics listening", slog.String("address", cfg.MetricsAddress))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

	go func() {
		logger.Info("rpc listening", slog.String("address", cfg.RPCAddress))
		server := rpc.NewServer(engine, collateral, priceOracle)
		if err := server.Start(cfg.RPCAddress); err != nil {
			logger.Error("rpc server stopped", slog.Any("error", err))
		}
	}()

	// Periodic accrual keeps the borrow index fresh between user calls.
	ticker := time.NewTicker(accrueTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := engine.AccrueInterest(); err != nil {
				logger.Warn("interest accrual failed", slog.Any("error", err))
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		}
	}
}

// governanceAddress resolves the governance principal from the environment:
// a hex-encoded private key whose derived address is granted, or a bare
// bech32 address. The zero address means no governance account is configured.
func governanceAddress() (crypto.Address, error) {
	if keyHex := strings.TrimSpace(os.Getenv(adminKeyEnv)); keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return crypto.Address{}, fmt.Errorf("decode %s: %w", adminKeyEnv, err)
		}
		key, err := crypto.PrivateKeyFromBytes(raw)
		if err != nil {
			return crypto.Address{}, fmt.Errorf("parse %s: %w", adminKeyEnv, err)
		}
		return key.PubKey().Address(), nil
	}
	if admin := strings.TrimSpace(os.Getenv(adminEnv)); admin != "" {
		addr, err := crypto.DecodeAddress(admin)
		if err != nil {
			return crypto.Address{}, fmt.Errorf("decode %s: %w", adminEnv, err)
		}
		return addr, nil
	}
	return crypto.Address{}, nil
}

// moduleAccount derives a stable module principal from a label.
func moduleAccount(label string) crypto.Address {
	digest := ethcrypto.Keccak256([]byte(label))
	return crypto.NewAddress(crypto.AccountPrefix, digest[12:])
}

func unitScale(digits int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
}

func parseAmount(value string) *big.Int {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic(fmt.Sprintf("invalid configured amount %q", value))
	}
	return amount
}
