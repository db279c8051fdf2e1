package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DINetworks/metatx-relay/internal/auth"
	"github.com/DINetworks/metatx-relay/internal/config"
	"github.com/DINetworks/metatx-relay/internal/dispatch"
	"github.com/DINetworks/metatx-relay/internal/gateway"
	"github.com/DINetworks/metatx-relay/internal/httpapi"
	"github.com/DINetworks/metatx-relay/internal/journal"
	"github.com/DINetworks/metatx-relay/internal/oracle"
	"github.com/DINetworks/metatx-relay/internal/settle"
	"github.com/DINetworks/metatx-relay/internal/token"
	"github.com/DINetworks/metatx-relay/internal/vault"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client + relayer key ────────────────────────────────────────────
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		log.Fatal("dial rpc failed", zap.Error(err))
	}
	relayerKey, err := crypto.HexToECDSA(cfg.Chain.RelayerPrivateKey)
	if err != nil {
		log.Fatal("parse relayer private key failed", zap.Error(err))
	}
	chainID := big.NewInt(cfg.Chain.ChainID)
	caller := dispatch.NewEVMCaller(eth, relayerKey, chainID)
	owner := common.HexToAddress(cfg.Chain.OwnerAddress)

	// ── Journal (event lists + structured log) ────────────────────────────────
	rec := journal.NewRecorder(rdb, log)

	// ── Gateway; batch_settled events also feed the charge queue ──────────────
	var gwSink gateway.EventSink = rec
	feePerItem := new(big.Int)
	if cfg.Settle.FeePerItem != "" {
		fee, ok := new(big.Int).SetString(cfg.Settle.FeePerItem, 10)
		if !ok || fee.Sign() < 0 {
			log.Fatal("invalid settle fee", zap.String("fee_per_item", cfg.Settle.FeePerItem))
		}
		feePerItem = fee
	}
	if feePerItem.Sign() > 0 {
		gwSink = settle.Fanout{rec, settle.NewEnqueuer(rdb, feePerItem, log)}
	}

	gwState, err := gateway.LoadState(ctx, rdb)
	if err != nil {
		log.Fatal("load gateway state failed", zap.Error(err))
	}
	gw := gateway.New(
		chainID,
		common.HexToAddress(cfg.Chain.GatewayAddress),
		owner,
		caller,
		gateway.NewRedisStore(rdb),
		gwSink,
		log,
	)
	gw.Restore(gwState)

	// ── Credit vault ──────────────────────────────────────────────────────────
	conv := oracle.NewConverter(time.Duration(cfg.Oracle.MaxStalenessSec) * time.Second)
	vlt := vault.New(owner, conv, vault.NewRedisStore(rdb), rec, log)

	for _, a := range cfg.Vault.Assets {
		asset, err := token.NewERC20(ctx, eth, common.HexToAddress(a.Address), relayerKey, chainID)
		if err != nil {
			log.Fatal("bind asset failed", zap.String("asset", a.Address), zap.Error(err))
		}
		var feed oracle.PriceFeed
		if !a.FixedUnit {
			feed, err = oracle.NewChainlinkFeed(ctx, eth, common.HexToAddress(a.Feed))
			if err != nil {
				log.Fatal("bind price feed failed", zap.String("feed", a.Feed), zap.Error(err))
			}
		}
		if err := vlt.WhitelistAsset(ctx, owner, asset, feed, a.FixedUnit); err != nil {
			log.Fatal("whitelist asset failed", zap.String("asset", a.Address), zap.Error(err))
		}
	}

	vltState, err := vault.LoadState(ctx, rdb)
	if err != nil {
		log.Fatal("load vault state failed", zap.Error(err))
	}
	vlt.Restore(vltState)

	// An asset persisted by a previous run but absent from the current config
	// is unreachable for withdrawals; flag it rather than drop it silently.
	configured := make(map[common.Address]bool, len(cfg.Vault.Assets))
	for _, a := range cfg.Vault.Assets {
		configured[common.HexToAddress(a.Address)] = true
	}
	for asset := range vltState.Assets {
		if !configured[asset] {
			log.Warn("persisted asset missing from config whitelist",
				zap.String("asset", asset.Hex()),
				zap.String("held", vlt.HeldBalance(asset).String()),
			)
		}
	}

	if cfg.Vault.SettlementAsset != "" {
		if err := vlt.SetSettlementAsset(ctx, owner, common.HexToAddress(cfg.Vault.SettlementAsset)); err != nil {
			log.Fatal("set settlement asset failed", zap.Error(err))
		}
	}

	// ── Charge worker: debits relaying fees from signer credits ──────────────
	if feePerItem.Sign() > 0 {
		relayerAddr := crypto.PubkeyToAddress(relayerKey.PublicKey)
		if err := vlt.SetConsumerAuthorization(ctx, owner, relayerAddr, true); err != nil {
			log.Fatal("authorize charge consumer failed", zap.Error(err))
		}
		go settle.NewWorker(rdb, vlt, relayerAddr, log).Run(ctx)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/api", auth.Middleware(rdb))
	httpapi.NewHandler(gw, vlt, log).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
