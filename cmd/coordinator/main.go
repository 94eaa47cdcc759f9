// Command coordinator runs the job queue, claim protocol, WASM cache,
// attestation session relay, rate-limited proxy and HTTPS gateway.
// Configuration is a TOML file loaded via internal/config,
// overridable by CLI flags, with a "dumpconfig" subcommand.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v7"
	"gopkg.in/urfave/cli.v1"

	"github.com/outlayer-network/outlayer/attestation"
	"github.com/outlayer-network/outlayer/coordinator"
	"github.com/outlayer-network/outlayer/coordinator/cache"
	"github.com/outlayer-network/outlayer/coordinator/kv"
	"github.com/outlayer-network/outlayer/coordinator/lock"
	"github.com/outlayer-network/outlayer/coordinator/queue"
	"github.com/outlayer-network/outlayer/coordinator/ratelimitproxy"
	"github.com/outlayer-network/outlayer/coordinator/server"
	"github.com/outlayer-network/outlayer/coordinator/store"
	"github.com/outlayer-network/outlayer/coordinator/sweeper"
	"github.com/outlayer-network/outlayer/internal/config"
	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/keystore"
	"github.com/outlayer-network/outlayer/protocol"
	"github.com/outlayer-network/outlayer/ratelimit"
)

var logger = log.NewModuleLogger(log.ModuleCoordinator)

var (
	configFileFlag = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}
	listenAddrFlag = cli.StringFlag{Name: "listen-addr", Usage: "HTTP listen address"}
	redisAddrFlag  = cli.StringFlag{Name: "redis-addr", Usage: "Redis address for the task queue and locks"}
	dbDSNFlag      = cli.StringFlag{Name: "db-dsn", Usage: "MySQL DSN for the relational store"}
	cacheDirFlag   = cli.StringFlag{Name: "cache-dir", Usage: "WASM cache directory"}
	storageDirFlag = cli.StringFlag{Name: "storage-dir", Usage: "guest key/value storage directory"}
	nearRPCFlag    = cli.StringFlag{Name: "near-rpc-url", Usage: "upstream NEAR RPC endpoint"}
	keystoreFlag   = cli.StringFlag{Name: "keystore-addr", Usage: "keystore base URL"}
)

func main() {
	app := cli.NewApp()
	app.Name = "coordinator"
	app.Usage = "OutLayer coordinator: job queue, WASM cache, attestation relay, rate-limited proxy"
	app.Flags = []cli.Flag{configFileFlag, listenAddrFlag, redisAddrFlag, dbDSNFlag, cacheDirFlag, storageDirFlag, nearRPCFlag, keystoreFlag}
	app.Commands = []cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "Show configuration values",
			Action: dumpConfig,
			Flags:  app.Flags,
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) config.CoordinatorConfig {
	cfg := config.DefaultCoordinatorConfig()
	if f := ctx.GlobalString(configFileFlag.Name); f != "" {
		if err := config.Load(f, &cfg); err != nil {
			logger.Crit("failed to load config file", "file", f, "err", err)
		}
	}
	if v := ctx.GlobalString(listenAddrFlag.Name); v != "" {
		cfg.ListenAddr = v
	}
	if v := ctx.GlobalString(redisAddrFlag.Name); v != "" {
		cfg.RedisAddr = v
	}
	if v := ctx.GlobalString(dbDSNFlag.Name); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := ctx.GlobalString(cacheDirFlag.Name); v != "" {
		cfg.CacheDir = v
	}
	if v := ctx.GlobalString(storageDirFlag.Name); v != "" {
		cfg.StorageDir = v
	}
	if v := ctx.GlobalString(keystoreFlag.Name); v != "" {
		cfg.KeystoreAddr = v
	}
	return cfg
}

func dumpConfig(ctx *cli.Context) error {
	return config.Dump(os.Stdout, loadConfig(ctx))
}

func run(ctx *cli.Context) error {
	cfg := loadConfig(ctx)
	nearRPCURL := ctx.GlobalString(nearRPCFlag.Name)
	if nearRPCURL == "" {
		nearRPCURL = "https://rpc.mainnet.near.org"
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping().Err(); err != nil {
		logger.Crit("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
	}

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Crit("failed to open relational store", "err", err)
	}
	ch, err := cache.Open(cfg.CacheDir, cfg.CacheCapBytes)
	if err != nil {
		logger.Crit("failed to open wasm cache", "err", err)
	}
	kvStore, err := kv.Open(cfg.StorageDir)
	if err != nil {
		logger.Crit("failed to open guest kv store", "err", err)
	}

	q := queue.New(redisClient)
	lk := lock.New(redisClient)
	svc := coordinator.New(q, lk, st, ch, kvStore)

	sw := sweeper.New(st, cfg.ClaimDeadline, cfg.SweepInterval)
	sw.Start()
	defer sw.Stop()

	limiter := ratelimit.New(cfg.RateLimitAnonymousRPS, cfg.RateLimitAnonymousBurst, cfg.RateLimitAnonymousConc,
		cfg.RateLimitKeyedRPS, cfg.RateLimitKeyedBurst, cfg.RateLimitKeyedConc)
	proxy := ratelimitproxy.New(limiter, nearRPCURL, externalAllowList(cfg))

	keystoreProxy := coordinator.NewKeystoreClient(cfg.KeystoreAddr)
	// The registration view reads through this same process's own
	// /near-rpc proxy, so it addresses itself over loopback.
	registry := keystore.NewRegistrationRPCView("http://" + selfLoopbackAddr(cfg.ListenAddr))
	approved := attestation.NewApprovedSet(loadApprovedMeasurements(cfg.ApprovedMeasurementsPath))

	vrfPubHex, err := loadOrCreateVRFKey(cfg.VRFKeyPath)
	if err != nil {
		logger.Crit("failed to load vrf key", "path", cfg.VRFKeyPath, "err", err)
	}

	srv := server.New(svc, keystoreProxy, proxy, limiter, registry, approved, 1*time.Hour, vrfPubHex)

	logger.Info("coordinator listening", "addr", cfg.ListenAddr)
	return http.ListenAndServe(cfg.ListenAddr, srv.Handler())
}

// selfLoopbackAddr turns a bind address like ":8080" into a dialable
// loopback address "127.0.0.1:8080"; an address that already names a
// host is returned unchanged.
func selfLoopbackAddr(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "127.0.0.1" + listenAddr
	}
	return listenAddr
}

// loadApprovedMeasurements loads the admin-maintained TDX measurement
// allow-list from a local snapshot file. A production
// deployment refreshes this from the registration contract's view
// method; this is the static seed used until the first refresh.
func loadApprovedMeasurements(path string) []protocol.Measurement {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("no approved-measurements file, starting with an empty allow-list", "path", path, "err", err)
		return nil
	}
	var out []protocol.Measurement
	if err := json.Unmarshal(data, &out); err != nil {
		logger.Crit("malformed approved-measurements file", "path", path, "err", err)
	}
	return out
}

// loadOrCreateVRFKey loads the issuing VRF keypair (an ed25519 seed on
// disk), generating one on first start, and returns the public half in
// hex for GET /vrf/pubkey.
func loadOrCreateVRFKey(path string) (string, error) {
	seed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		seed = make([]byte, ed25519.SeedSize)
		if _, rerr := rand.Read(seed); rerr != nil {
			return "", rerr
		}
		if werr := os.MkdirAll(filepath.Dir(path), 0o700); werr != nil {
			return "", werr
		}
		if werr := os.WriteFile(path, seed, 0o600); werr != nil {
			return "", werr
		}
	} else if err != nil {
		return "", err
	}
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("vrf key file %s is not a %d-byte seed", path, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

// externalAllowList resolves the configured set of third-party service
// tags reachable via POST /external/{service}. A service
// tag absent from the map is rejected before any upstream call.
func externalAllowList(cfg config.CoordinatorConfig) map[string]string {
	if cfg.AllowedExternalServices == nil {
		return map[string]string{}
	}
	return cfg.AllowedExternalServices
}
