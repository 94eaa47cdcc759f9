// Command keystore holds the one master secret and serves attested
// decrypt requests relayed by the coordinator.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/outlayer-network/outlayer/attestation"
	"github.com/outlayer-network/outlayer/internal/config"
	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/keystore"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleKeystore)

var (
	configFileFlag  = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}
	listenAddrFlag  = cli.StringFlag{Name: "listen-addr", Usage: "HTTP listen address"}
	masterKeyFlag   = cli.StringFlag{Name: "master-key", Usage: "path to the master key file"}
	generateKeyFlag = cli.BoolFlag{Name: "generate-master-key", Usage: "generate a new master key at --master-key if one is not present"}
	coordinatorFlag = cli.StringFlag{Name: "coordinator-addr", Usage: "coordinator base URL, for chain views and secret lookup"}
)

func main() {
	app := cli.NewApp()
	app.Name = "keystore"
	app.Usage = "OutLayer keystore: attested secret decryption"
	app.Flags = []cli.Flag{configFileFlag, listenAddrFlag, masterKeyFlag, generateKeyFlag, coordinatorFlag}
	app.Commands = []cli.Command{
		{Name: "dumpconfig", Usage: "Show configuration values", Action: dumpConfig, Flags: app.Flags},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) config.KeystoreConfig {
	cfg := config.DefaultKeystoreConfig()
	if f := ctx.GlobalString(configFileFlag.Name); f != "" {
		if err := config.Load(f, &cfg); err != nil {
			logger.Crit("failed to load config file", "file", f, "err", err)
		}
	}
	if v := ctx.GlobalString(listenAddrFlag.Name); v != "" {
		cfg.ListenAddr = v
	}
	if v := ctx.GlobalString(masterKeyFlag.Name); v != "" {
		cfg.MasterKeyPath = v
	}
	return cfg
}

func dumpConfig(ctx *cli.Context) error {
	return config.Dump(os.Stdout, loadConfig(ctx))
}

func run(ctx *cli.Context) error {
	cfg := loadConfig(ctx)
	coordinatorURL := ctx.GlobalString(coordinatorFlag.Name)
	if coordinatorURL == "" {
		coordinatorURL = "http://127.0.0.1:8080"
	}

	master, err := loadOrGenerateMasterKey(cfg.MasterKeyPath, ctx.GlobalBool(generateKeyFlag.Name))
	if err != nil {
		// Master-key load failure is fatal: never silently recovered.
		logger.Crit("failed to load master key", "path", cfg.MasterKeyPath, "err", err)
	}
	defer master.Close()

	view := keystore.NewNearRPCChainView(coordinatorURL)
	eval := keystore.NewEvaluator(view)

	registry := keystore.NewRegistrationRPCView(coordinatorURL)
	approved := attestation.NewApprovedSet(loadApprovedMeasurements(cfg.ApprovedMeasurementsPath))
	sessions := keystore.NewSessionStore(registry, approved, cfg.SessionTTL)

	lookup := keystore.NewCoordinatorSecretLookup(coordinatorURL)
	svc := keystore.NewService(master, eval, sessions, lookup)

	srv := keystore.NewServer(svc)

	logger.Info("keystore listening", "addr", cfg.ListenAddr)
	return http.ListenAndServe(cfg.ListenAddr, srv.Routes())
}

func loadOrGenerateMasterKey(path string, generate bool) (*keystore.MasterKey, error) {
	if _, err := os.Stat(path); err == nil {
		return keystore.LoadMasterKey(path)
	} else if !generate {
		return nil, err
	}
	logger.Warn("no master key found, generating a new one", "path", path)
	return keystore.GenerateMasterKey(path)
}

// loadApprovedMeasurements loads the admin-maintained TDX measurement
// allow-list from a local snapshot file; production deployments
// refresh this from the registration contract's view method.
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
