// Package config loads per-process TOML configuration, overridable by
// CLI flags (naoina/toml + urfave/cli.v1).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
)

// tomlSettings ensures TOML keys use the same names as Go struct
// fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see godoc for %s#%s", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Load decodes a TOML file into cfg, matching loadConfig's error
// annotation behavior (prefix file name onto line-numbered errors).
func Load(file string, cfg interface{}) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// Dump writes cfg back out as TOML, used by each binary's
// "dumpconfig" subcommand.
func Dump(w io.Writer, cfg interface{}) error {
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// CoordinatorConfig is the coordinator process's full configuration.
type CoordinatorConfig struct {
	ListenAddr string

	RedisAddr string
	RedisDB   int

	DatabaseDSN string

	CacheDir      string
	CacheCapBytes int64

	StorageDir string

	ClaimDeadline     time.Duration
	SweepInterval     time.Duration
	ContractCancelWindow time.Duration

	// AllowedExternalServices maps a POST /external/{service} tag to the
	// upstream base URL the proxy forwards to. A service not
	// listed here is rejected before any upstream call is made.
	AllowedExternalServices map[string]string

	// ApprovedMeasurementsPath points at a local snapshot of the
	// registration contract's approved TDX measurement sets.
	ApprovedMeasurementsPath string

	RateLimitAnonymousRPS   float64
	RateLimitAnonymousBurst int
	RateLimitAnonymousConc  int
	RateLimitKeyedRPS       float64
	RateLimitKeyedBurst     int
	RateLimitKeyedConc      int

	KeystoreAddr string

	AdminLoopbackAddr string

	// VRFKeyPath holds the issuing VRF keypair served by GET
	// /vrf/pubkey; generated on first start when absent.
	VRFKeyPath string
}

// DefaultCoordinatorConfig keeps the claim deadline strictly shorter
// than the contract's 10-minute cancellation window, so contract-side
// cancellation stays an emergency fallback.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ListenAddr:    ":8080",
		RedisAddr:     "127.0.0.1:6379",
		DatabaseDSN:   "outlayer:outlayer@tcp(127.0.0.1:3306)/outlayer?parseTime=true",
		CacheDir:      "./data/wasm-cache",
		CacheCapBytes: 10 << 30, // 10 GiB
		StorageDir:    "./data/kv",
		ClaimDeadline: 5 * time.Minute,
		SweepInterval: 30 * time.Second,
		ContractCancelWindow: 10 * time.Minute,
		RateLimitAnonymousRPS:   5,
		RateLimitAnonymousBurst: 10,
		RateLimitAnonymousConc:  4,
		RateLimitKeyedRPS:       20,
		RateLimitKeyedBurst:     40,
		RateLimitKeyedConc:      8,
		KeystoreAddr: "127.0.0.1:8090",
		AdminLoopbackAddr: "127.0.0.1:8099",
		VRFKeyPath: "./data/vrf.key",
	}
}

// WorkerConfig is the worker process's full configuration.
type WorkerConfig struct {
	CoordinatorAddr string
	PollTimeout     time.Duration

	DefaultVCPU      int
	DefaultMemoryMB  int
	DefaultBuildWall time.Duration

	AllowedBuildTargets []string

	RegistrationAddr string

	// NetworkID is stamped into NEAR_NETWORK_ID for blockchain-origin
	// jobs.
	NetworkID string

	// MetricsAddr serves the Prometheus exporter; empty disables it.
	MetricsAddr string
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		CoordinatorAddr: "127.0.0.1:8080",
		PollTimeout:     60 * time.Second,
		DefaultVCPU:     2,
		DefaultMemoryMB: 2048,
		DefaultBuildWall: 5 * time.Minute,
		AllowedBuildTargets: []string{"rust-wasm32-wasi", "tinygo-wasi"},
		NetworkID:   "mainnet",
		MetricsAddr: "127.0.0.1:61001",
	}
}

// KeystoreConfig is the keystore process's full configuration.
type KeystoreConfig struct {
	ListenAddr      string
	MasterKeyPath   string
	RegistrationRPCAddr string
	SessionTTL      time.Duration
	ApprovedMeasurementsPath string
}

func DefaultKeystoreConfig() KeystoreConfig {
	return KeystoreConfig{
		ListenAddr:    ":8090",
		MasterKeyPath: "./data/master.key",
		SessionTTL:    1 * time.Hour,
	}
}
