// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/blaze"
	"github.com/btcsuite/btccustody/build"
	"github.com/btcsuite/btccustody/custody"
	"github.com/btcsuite/btccustody/internal/cfgutil"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename     = "custodyd.conf"
	defaultLogDirname         = "logs"
	defaultLogFilename        = "custodyd.log"
	defaultDBTimeout          = 60 * time.Second
	defaultCheckpointInterval = time.Minute
	defaultMetricsPort        = "9465"

	custodyDBName = "custody.db"
)

var (
	custodydHomeDir    = btcutil.AppDataDir("custodyd", false)
	defaultConfigFile  = filepath.Join(custodydHomeDir, defaultConfigFilename)
	defaultDataDir     = custodydHomeDir
	defaultLogDir      = filepath.Join(custodydHomeDir, defaultLogDirname)
	errConfigExitEarly = errors.New("exit requested by flags")
)

type config struct {
	// General application behavior
	ConfigFile string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string        `short:"b" long:"datadir" description:"Directory to store the custody database"`
	LogDir     string        `long:"logdir" description:"Directory to log output"`
	DebugLevel string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	DBTimeout  time.Duration `long:"dbtimeout" description:"Timeout for obtaining the database lock"`
	TestNet3   bool          `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	RegTest    bool          `long:"regtest" description:"Use the regression test network"`
	SigNet     bool          `long:"signet" description:"Use the signet test network"`

	// Authority set
	Authorities []string `short:"a" long:"authority" description:"Hex encoded account of an authority; repeat for every member of the set"`
	Round       uint32   `long:"round" description:"Current custody round"`

	// Component parameters
	MultiSigRatio      uint32              `long:"multisigratio" description:"Percentage of authorities required to sign for a vault"`
	MaxPreSubmission   uint32              `long:"maxpresubmission" description:"Maximum number of vault requests awaiting keys"`
	MaxTolerance       uint32              `long:"maxtolerance" description:"Failed coin selections tolerated before the ledger stops selecting"`
	MaxTries           int                 `long:"bnbtries" description:"Branch and bound search budget"`
	MaxInputs          int                 `long:"maxinputs" description:"Maximum number of inputs spent by one transaction"`
	DustThreshold      *cfgutil.AmountFlag `long:"dustthreshold" description:"Change below this amount is dropped to fees (BTC, or suffix sat)"`
	RelayFee           *cfgutil.AmountFlag `long:"relayfee" description:"Minimum relay fee per kilobyte (BTC, or suffix sat)"`
	MaxBatchSize       int                 `long:"maxbatchsize" description:"Maximum number of outbound messages paid by one transaction"`
	PendingRequestTTL  time.Duration       `long:"pendingttl" description:"Age after which a pending request is reported as stale (0 disables)"`
	CheckpointInterval time.Duration       `long:"checkpointinterval" description:"Interval between fee-rate and stale request checkpoints"`

	// Metrics
	MetricsListen string `long:"metricslisten" description:"Serve prometheus metrics on this interface/port (default port: 9465)"`
}

// networkParams returns the chain parameters of the selected network.
// Multiple networks can't be selected simultaneously.
func (cfg *config) networkParams() (*chaincfg.Params, error) {
	params := &chaincfg.MainNetParams
	numNets := 0
	if cfg.TestNet3 {
		params = &chaincfg.TestNet3Params
		numNets++
	}
	if cfg.RegTest {
		params = &chaincfg.RegressionNetParams
		numNets++
	}
	if cfg.SigNet {
		params = &chaincfg.SigNetParams
		numNets++
	}
	if numNets > 1 {
		return nil, errors.New("the testnet, regtest and signet params " +
			"can't be used together -- choose one")
	}
	return params, nil
}

// custodyConfig maps the flags onto the component parameters.
func (cfg *config) custodyConfig(params *chaincfg.Params) custody.Config {
	c := custody.DefaultConfig(params)
	c.Registration.MultiSigRatio = cfg.MultiSigRatio
	c.Registration.MaxPreSubmission = cfg.MaxPreSubmission
	c.Ledger.MaxTolerance = cfg.MaxTolerance
	c.Ledger.MaxTries = cfg.MaxTries
	c.Ledger.MaxInputs = cfg.MaxInputs
	c.Ledger.DustThreshold = cfg.DustThreshold.Amount
	c.Socket.RelayFeePerKb = cfg.RelayFee.Amount
	c.Socket.MaxBatchSize = cfg.MaxBatchSize
	c.Socket.PendingRequestTTL = cfg.PendingRequestTTL
	return c
}

// defaultConfig returns the config holding the default of every option.
func defaultConfig() config {
	defaults := custody.DefaultConfig(&chaincfg.MainNetParams)
	return config{
		ConfigFile:         defaultConfigFile,
		DataDir:            defaultDataDir,
		LogDir:             defaultLogDir,
		DebugLevel:         build.LogLevel,
		DBTimeout:          defaultDBTimeout,
		Round:              1,
		MultiSigRatio:      defaults.Registration.MultiSigRatio,
		MaxPreSubmission:   defaults.Registration.MaxPreSubmission,
		MaxTolerance:       defaults.Ledger.MaxTolerance,
		MaxTries:           defaults.Ledger.MaxTries,
		MaxInputs:          defaults.Ledger.MaxInputs,
		DustThreshold:      cfgutil.NewAmountFlag(blaze.DefaultDustThreshold),
		RelayFee:           cfgutil.NewAmountFlag(txrules.DefaultRelayFeePerKb),
		MaxBatchSize:       defaults.Socket.MaxBatchSize,
		PendingRequestTTL:  defaults.Socket.PendingRequestTTL,
		CheckpointInterval: defaultCheckpointInterval,
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	return cfgutil.CleanAndExpandPath(path, filepath.Dir(custodydHomeDir))
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func loadConfig() (*config, []authority.ID, *chaincfg.Params, error) {
	cfg := defaultConfig()

	// A config file in the current directory takes precedence.
	exists, err := cfgutil.FileExists(defaultConfigFilename)
	if err != nil {
		return nil, nil, nil, err
	}
	if exists {
		cfg.ConfigFile = defaultConfigFilename
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			return nil, nil, nil, errConfigExitEarly
		}
		return nil, nil, nil, err
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			parser.WriteHelp(os.Stderr)
			return nil, nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.Parse(); err != nil {
		return nil, nil, nil, err
	}

	params, err := cfg.networkParams()
	if err != nil {
		return nil, nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		return nil, nil, nil, errConfigExitEarly
	}

	// Append the network type to the data and log directories so they are
	// namespaced per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir), params.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir), params.Name)

	if err := initLogRotator(filepath.Join(cfg.LogDir,
		defaultLogFilename)); err != nil {

		return nil, nil, nil, err
	}
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		parser.WriteHelp(os.Stderr)
		return nil, nil, nil, err
	}

	// Warn about a missing config file only after the final command line
	// parse succeeded.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	ids, err := cfgutil.ParseAuthorities(cfg.Authorities)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, nil, errors.New("at least one --authority " +
			"is required")
	}
	if cfg.Round == 0 {
		return nil, nil, nil, errors.New("--round must be positive")
	}
	if cfg.MultiSigRatio == 0 || cfg.MultiSigRatio > 100 {
		return nil, nil, nil, fmt.Errorf("--multisigratio must be in "+
			"(0, 100], got %d", cfg.MultiSigRatio)
	}
	if cfg.CheckpointInterval <= 0 {
		return nil, nil, nil, errors.New("--checkpointinterval must be " +
			"positive")
	}

	if cfg.MetricsListen != "" {
		cfg.MetricsListen, err = cfgutil.NormalizeAddress(
			cfg.MetricsListen, defaultMetricsPort,
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid metricslisten "+
				"address: %w", err)
		}
	}

	return &cfg, ids, params, nil
}
