// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/nimvote/nimvote/chain"
	"github.com/nimvote/nimvote/internal/cfgutil"
	"github.com/nimvote/nimvote/netparams"
	"github.com/nimvote/nimvote/tally"
)

const (
	defaultConfigFilename = "nimvote.conf"
	defaultPollsFilename  = "polls.json"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "nimvote.log"
	defaultResultsDirname = "results"
	defaultWatchInterval  = time.Minute
)

var (
	nimvoteHomeDir    = btcutil.AppDataDir("nimvote", false)
	defaultConfigFile = filepath.Join(nimvoteHomeDir, defaultConfigFilename)
	defaultPollsFile  = filepath.Join(nimvoteHomeDir, defaultPollsFilename)
	defaultDataDir    = nimvoteHomeDir
	defaultLogDir     = filepath.Join(nimvoteHomeDir, defaultLogDirname)
	defaultResultsDir = filepath.Join(nimvoteHomeDir, defaultResultsDirname)
)

type config struct {
	// General application behavior
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"Directory to store the result cache"`
	LogDir     string `long:"logdir" description:"Directory to log output"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	TestNet    bool   `long:"testnet" description:"Use the test network (default mainnet)"`

	// Poll options
	PollsFile  string   `long:"polls" description:"Path to the poll configuration file"`
	Polls      []string `long:"poll" description:"Count the named poll instead of the active one; may be given multiple times"`
	ResultsDir string   `long:"resultsdir" description:"Directory to publish final results to"`
	Publish    bool     `long:"publish" description:"Count all finished polls and publish their results"`
	Watch      bool     `long:"watch" description:"Keep recounting the active poll as new blocks arrive"`

	WatchInterval time.Duration `long:"watchinterval" description:"Average time between two checks for new blocks when watching"`

	// Explorer options
	Explorer        *cfgutil.URLFlag `long:"explorer" description:"Base URL of the block explorer API (default: the network's public explorer)"`
	RequestInterval time.Duration    `long:"requestinterval" description:"Minimum time between two explorer requests"`

	// Tally options
	BatchSize      int           `long:"batchsize" description:"Number of accounts looked up per request"`
	MaxConcurrency int           `long:"maxconcurrency" description:"Maximum number of concurrent explorer requests"`
	CallTimeout    time.Duration `long:"calltimeout" description:"Timeout of a single explorer request"`
	MaxRetries     int           `long:"maxretries" description:"Number of times a failed count is retried; negative disables retries"`
	NoCache        bool          `long:"nocache" description:"Do not cache results in the data directory"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	return cfgutil.CleanAndExpandPath(path, filepath.Dir(nimvoteHomeDir))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// defaultConfig returns the configuration used when neither a config file
// nor command line options change anything.
func defaultConfig() config {
	return config{
		ConfigFile:      defaultConfigFile,
		DataDir:         defaultDataDir,
		LogDir:          defaultLogDir,
		DebugLevel:      defaultLogLevel,
		PollsFile:       defaultPollsFile,
		ResultsDir:      defaultResultsDir,
		WatchInterval:   defaultWatchInterval,
		Explorer:        cfgutil.NewURLFlag(""),
		RequestInterval: chain.DefaultRequestInterval,
		BatchSize:       tally.DefaultBatchSize,
		MaxConcurrency:  tally.DefaultMaxConcurrency,
		CallTimeout:     tally.DefaultCallTimeout,
		MaxRetries:      tally.DefaultMaxRetries,
	}
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
// The above results in nimvote functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	if err := finishConfig(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// finishConfig validates the parsed options, selects the network and
// expands all paths.
func finishConfig(cfg *config) error {
	activeNet = &netparams.MainNetParams
	if cfg.TestNet {
		activeNet = &netparams.TestNetParams
	}

	if !cfg.Explorer.ExplicitlySet() {
		cfg.Explorer.Value = activeNet.ExplorerURL
	}

	switch {
	case cfg.WatchInterval <= 0:
		return fmt.Errorf("loadConfig: watchinterval must be positive")
	case cfg.BatchSize <= 0:
		return fmt.Errorf("loadConfig: batchsize must be positive")
	case cfg.MaxConcurrency <= 0:
		return fmt.Errorf("loadConfig: maxconcurrency must be positive")
	case cfg.CallTimeout <= 0:
		return fmt.Errorf("loadConfig: calltimeout must be positive")
	case cfg.Watch && cfg.Publish:
		return fmt.Errorf("loadConfig: watch and publish can not be " +
			"used together")
	}

	// Namespace the data and log directories per network.
	cfg.DataDir = filepath.Join(cleanAndExpandPath(cfg.DataDir),
		activeNet.Name)
	cfg.LogDir = filepath.Join(cleanAndExpandPath(cfg.LogDir),
		activeNet.Name)
	cfg.PollsFile = cleanAndExpandPath(cfg.PollsFile)
	cfg.ResultsDir = cleanAndExpandPath(cfg.ResultsDir)

	return nil
}
