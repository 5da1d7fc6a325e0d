package bridge

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitvm/bridge/blobstore"
	"github.com/bitvm/bridge/build"
	"github.com/bitvm/bridge/client"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/esplora"
	"github.com/bitvm/bridge/evm"
	"github.com/bitvm/bridge/monitoring"
	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

const (
	// DefaultConfigFilename is the name of the config file looked up in
	// the bridge directory.
	DefaultConfigFilename = "bridge.conf"

	// DefaultEnvFile is loaded into the environment before parsing.
	DefaultEnvFile = ".env"

	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultResultsDirname = "results"
	defaultNoncesFilename = "nonces.db"
	defaultLogLevel       = "info"
	defaultNetwork        = "testnet"

	// DefaultDaemonInterval is how often the daemon syncs by default.
	DefaultDaemonInterval = 30 * time.Second
)

// Demo roles accepted by --demo.
const (
	DemoDepositor  = "depositor"
	DemoOperator   = "operator"
	DemoVerifier0  = "verifier-0"
	DemoVerifier1  = "verifier-1"
	DemoWithdrawer = "withdrawer"
)

var (
	// DefaultBridgeDir is the default directory holding the config file,
	// the data and the logs.
	DefaultBridgeDir = btcutil.AppDataDir("bridge", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(DefaultBridgeDir, DefaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultBridgeDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(defaultDataDir, defaultLogDirname)

	// ErrConfig wraps every configuration error.
	ErrConfig = errors.New("invalid configuration")
)

// DaemonConfig holds the options of the daemon command.
//
//nolint:lll
type DaemonConfig struct {
	Interval      time.Duration `long:"interval" description:"How often the daemon syncs and acts on the graphs"`
	Timeout       time.Duration `long:"timeout" description:"Upper bound of a single daemon round"`
	CreatePegOuts bool          `long:"createpegouts" description:"Let an operator build a peg-out graph for every peg-in it has none for"`
}

// Config defines the configuration options of a bridge client.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type Config struct {
	BridgeDir  string `long:"bridgedir" description:"The base directory that contains the bridge data, logs and configuration file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the bridge data within"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	Network string `long:"network" description:"The Bitcoin network" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`

	DepositorSecret  string `long:"depositor-secret" env:"BRIDGE_DEPOSITOR_SECRET" description:"Hex private key of the depositor role"`
	OperatorSecret   string `long:"operator-secret" env:"BRIDGE_OPERATOR_SECRET" description:"Hex private key of the operator role"`
	VerifierSecret   string `long:"verifier-secret" env:"BRIDGE_VERIFIER_SECRET" description:"Hex private key of the verifier role"`
	WithdrawerSecret string `long:"withdrawer-secret" env:"BRIDGE_WITHDRAWER_SECRET" description:"Hex private key of the withdrawer role"`
	Demo             string `long:"demo" description:"Run a role with the built-in demo key" choice:"depositor" choice:"operator" choice:"verifier-0" choice:"verifier-1" choice:"withdrawer"`

	VerifierPubKeys []string `long:"verifier-pubkey" env:"BRIDGE_VERIFIER_PUBLIC_KEYS" env-delim:"," description:"Compressed hex public key of a committee member, repeat for every verifier (defaults to the demo committee)"`

	Store *blobstore.Config `group:"Blob store" namespace:"store"`

	Esplora *esplora.Config `group:"Esplora" namespace:"esplora"`

	Ethereum *evm.Config `group:"Ethereum" namespace:"ethereum"`

	Daemon *DaemonConfig `group:"Daemon" namespace:"daemon"`

	Prometheus *monitoring.PrometheusConfig `group:"Prometheus" namespace:"prometheus"`

	Logging *build.LogConfig `group:"logging" namespace:"logging"`

	// The following fields are derived during validation.

	netParams  *chaincfg.Params
	committee  *contexts.Committee
	depositor  *contexts.DepositorContext
	operator   *contexts.OperatorContext
	verifier   *contexts.VerifierContext
	withdrawer *contexts.WithdrawerContext
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		BridgeDir:  DefaultBridgeDir,
		ConfigFile: DefaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		Network:    defaultNetwork,
		Store:      blobstore.DefaultConfig(),
		Esplora:    esplora.DefaultConfig(),
		Ethereum:   evm.DefaultConfig(),
		Daemon: &DaemonConfig{
			Interval: DefaultDaemonInterval,
			Timeout:  client.DefaultDaemonTimeout,
		},
		Prometheus: monitoring.DefaultPrometheusConfig(),
		Logging:    build.DefaultLogConfig(),
	}
}

// newParser returns a parser of args into cfg that leaves printing errors to
// the caller.
func newParser(cfg *Config) *flags.Parser {
	return flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
}

// LoadConfig initializes and parses the config using the environment, a
// config file and command line options.
//
// The configuration proceeds as follows:
//  1. Load the .env file of the working directory, if any, into the
//     environment
//  2. Start with a default config with sane settings
//  3. Pre-parse the command line to check for an alternative config file
//  4. Load configuration file overwriting defaults with any specified options
//  5. Parse CLI options and overwrite/add any specified options
//
// Environment variables fill the options that carry an env tag and were not
// given on the command line.
func LoadConfig(args []string) (*Config, error) {
	// Variables already in the environment take precedence over the
	// .env file.
	err := godotenv.Load(DefaultEnvFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: unable to load %v: %v", ErrConfig,
			DefaultEnvFile, err)
	}

	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := newParser(&preCfg).ParseArgs(args); err != nil {
		return nil, err
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their bridgedir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.BridgeDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultBridgeDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, DefaultConfigFilename,
		)
	}

	// Next, load any additional configuration options from the file. A
	// fresh default config keeps repeated list options from doubling up.
	var configFileError error
	cfg := DefaultConfig()
	parser := newParser(&cfg)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done.
	if configFileError != nil {
		brdgLog.Debugf("%v", configFileError)
	}

	return &cfg, nil
}

// configErr wraps a validation failure in ErrConfig.
func configErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", ErrConfig, fmt.Sprintf(format, args...))
}

// ValidateConfig checks the given configuration to be sane, normalizes every
// path and derives the network, the committee and the role context.
func ValidateConfig(cfg *Config) error {
	// If the provided bridge directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	bridgeDir := CleanAndExpandPath(cfg.BridgeDir)
	if bridgeDir != DefaultBridgeDir {
		if cfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(bridgeDir, defaultDataDirname)
		}
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(
				cfg.DataDir, defaultLogDirname,
			)
		}
	}
	cfg.BridgeDir = bridgeDir
	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.Store.Local.Path = CleanAndExpandPath(cfg.Store.Local.Path)
	cfg.Store.SFTP.KeyFile = CleanAndExpandPath(cfg.Store.SFTP.KeyFile)

	net, ok := params.NetworkByName(cfg.Network)
	if !ok {
		return configErr("unknown network %q", cfg.Network)
	}
	cfg.netParams = net

	if err := cfg.Logging.Validate(); err != nil {
		return configErr("%v", err)
	}
	if err := SetLogLevels(cfg.DebugLevel); err != nil {
		return configErr("%v", err)
	}

	if _, err := cfg.Store.Backend(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if cfg.Daemon.Interval <= 0 {
		return configErr("daemon.interval must be positive")
	}
	if cfg.Esplora.URL == "" {
		return configErr("esplora.url must be set")
	}

	committee, err := parseCommittee(cfg.VerifierPubKeys)
	if err != nil {
		return configErr("%v", err)
	}
	cfg.committee = committee

	return cfg.deriveRole()
}

// parseCommittee returns the committee of the given keys, or the demo
// committee if there are none.
func parseCommittee(keys []string) (*contexts.Committee, error) {
	if len(keys) > 0 {
		return contexts.NewCommitteeFromHex(keys)
	}

	var pubKeys []*btcec.PublicKey
	for _, secret := range []string{
		params.Verifier0Secret, params.Verifier1Secret,
	} {
		priv, err := contexts.ParseSecret(secret)
		if err != nil {
			return nil, err
		}
		pubKeys = append(pubKeys, priv.PubKey())
	}

	return contexts.NewCommittee(pubKeys)
}

// demoSecret returns the role and secret --demo selects.
func demoSecret(demo string) (contexts.Role, string) {
	switch demo {
	case DemoDepositor:
		return contexts.RoleDepositor, params.DepositorSecret
	case DemoOperator:
		return contexts.RoleOperator, params.OperatorSecret
	case DemoVerifier0:
		return contexts.RoleVerifier, params.Verifier0Secret
	case DemoVerifier1:
		return contexts.RoleVerifier, params.Verifier1Secret
	default:
		return contexts.RoleWithdrawer, params.WithdrawerSecret
	}
}

// deriveRole builds the context of the single configured role. A config
// without role can only read the shared state.
func (c *Config) deriveRole() error {
	type roleSecret struct {
		role   contexts.Role
		secret string
	}

	var roles []roleSecret
	for _, r := range []roleSecret{
		{contexts.RoleDepositor, c.DepositorSecret},
		{contexts.RoleOperator, c.OperatorSecret},
		{contexts.RoleVerifier, c.VerifierSecret},
		{contexts.RoleWithdrawer, c.WithdrawerSecret},
	} {
		if r.secret != "" {
			roles = append(roles, r)
		}
	}
	if c.Demo != "" {
		role, secret := demoSecret(c.Demo)
		roles = append(roles, roleSecret{role, secret})
	}

	switch len(roles) {
	case 0:
		return nil
	case 1:
	default:
		return configErr("at most one role secret may be given, got %d",
			len(roles))
	}

	var err error
	switch r := roles[0]; r.role {
	case contexts.RoleDepositor:
		c.depositor, err = contexts.NewDepositorContext(
			c.netParams, r.secret, c.committee,
		)
	case contexts.RoleOperator:
		c.operator, err = contexts.NewOperatorContext(
			c.netParams, r.secret, c.committee,
		)
	case contexts.RoleVerifier:
		c.verifier, err = contexts.NewVerifierContext(
			c.netParams, r.secret, c.committee,
		)
	case contexts.RoleWithdrawer:
		c.withdrawer, err = contexts.NewWithdrawerContext(
			c.netParams, r.secret, c.committee,
		)
	}
	if err != nil {
		return configErr("%v secret: %v", roles[0].role, err)
	}

	return nil
}

// NetParams returns the parameters of the configured network.
func (c *Config) NetParams() *chaincfg.Params {
	return c.netParams
}

// Committee returns the verifier committee.
func (c *Config) Committee() *contexts.Committee {
	return c.committee
}

// Role returns the configured role, if any.
func (c *Config) Role() (contexts.Role, bool) {
	switch {
	case c.depositor != nil:
		return contexts.RoleDepositor, true
	case c.operator != nil:
		return contexts.RoleOperator, true
	case c.verifier != nil:
		return contexts.RoleVerifier, true
	case c.withdrawer != nil:
		return contexts.RoleWithdrawer, true
	}

	return 0, false
}

// ResultsDir returns the directory the shared state is mirrored to.
func (c *Config) ResultsDir() string {
	return filepath.Join(c.DataDir, defaultResultsDirname)
}

// NoncesPath returns the path of the verifier's secret nonce database.
func (c *Config) NoncesPath() string {
	return filepath.Join(c.DataDir, c.netParams.Name, defaultNoncesFilename)
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
