// Command worker runs the job poll loop inside a TEE: attests itself
// to the coordinator and keystore, then claims and executes compile
// and execute jobs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/outlayer-network/outlayer/internal/config"
	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/internal/metrics"
	"github.com/outlayer-network/outlayer/worker/compile"
	"github.com/outlayer-network/outlayer/worker/loop"
)

var logger = log.NewModuleLogger(log.ModuleWorker)

var (
	configFileFlag      = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}
	coordinatorAddrFlag = cli.StringFlag{Name: "coordinator-addr", Usage: "coordinator base URL"}
	buildDirFlag        = cli.StringFlag{Name: "build-dir", Usage: "scratch directory for compile workspaces"}
	tdxDeviceFlag       = cli.StringFlag{Name: "tdx-device", Usage: "path to the TDX quoting device"}
)

func main() {
	app := cli.NewApp()
	app.Name = "worker"
	app.Usage = "OutLayer worker: attested WASM compile and execute loop"
	app.Flags = []cli.Flag{configFileFlag, coordinatorAddrFlag, buildDirFlag, tdxDeviceFlag}
	app.Commands = []cli.Command{
		{Name: "dumpconfig", Usage: "Show configuration values", Action: dumpConfig, Flags: app.Flags},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	if f := ctx.GlobalString(configFileFlag.Name); f != "" {
		if err := config.Load(f, &cfg); err != nil {
			logger.Crit("failed to load config file", "file", f, "err", err)
		}
	}
	if v := ctx.GlobalString(coordinatorAddrFlag.Name); v != "" {
		cfg.CoordinatorAddr = v
	}
	return cfg
}

func dumpConfig(ctx *cli.Context) error {
	return config.Dump(os.Stdout, loadConfig(ctx))
}

func run(ctx *cli.Context) error {
	cfg := loadConfig(ctx)
	buildDir := ctx.GlobalString(buildDirFlag.Name)
	if buildDir == "" {
		buildDir = "./data/build"
	}

	quotes := loop.NewTDXDeviceQuoteProvider()
	if dev := ctx.GlobalString(tdxDeviceFlag.Name); dev != "" {
		quotes.DevicePath = dev
	}
	registrar := loop.NewRPCRegistrar(cfg.CoordinatorAddr)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics exporter failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	w, err := loop.New(loop.Config{
		CoordinatorAddr: cfg.CoordinatorAddr,
		PollTimeout:     cfg.PollTimeout,
		BuildBaseDir:    buildDir,
		CompileLimits: compile.Limits{
			Wall:   cfg.DefaultBuildWall,
			Memory: uint64(cfg.DefaultMemoryMB) << 20,
			CPUs:   cfg.DefaultVCPU,
		},
		AllowedBuildTargets: cfg.AllowedBuildTargets,
		NetworkID:           cfg.NetworkID,
	}, quotes, registrar)
	if err != nil {
		logger.Crit("failed to initialize worker", "err", err)
	}

	logger.Info("worker starting", "public_key", w.PublicKeyHex())

	runCtx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if err := w.Run(runCtx); err != nil && runCtx.Err() == nil {
		logger.Error("worker loop exited with error", "err", err)
		time.Sleep(time.Second)
		return err
	}
	return nil
}
