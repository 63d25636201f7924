// Copyright (c) 2024-2026 The pharos developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/pharosfund/pharos/netparams"
)

const (
	defaultConfigFilename = "pharos.conf"
	defaultLogFilename    = "pharos.log"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultProjectDirname = "projects"
	defaultStateDBName    = "state.db"
	defaultPollInterval   = time.Minute
)

var (
	defaultAppDataDir = btcutil.AppDataDir("pharos", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
)

// activeNet is the network the daemon runs on, set during config load.
var activeNet = &netparams.MainNetParams

// config defines the configuration options for pharos.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for projects, pledges and logs"`
	ProjectDir  string `long:"projectdir" description:"Directory watched for project and pledge files"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	TestNet3       bool `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	SimNet         bool `long:"simnet" description:"Use the simulation test network"`
	RegressionTest bool `long:"regtest" description:"Use the regression test network"`

	RPCConnect       []string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of a btcd RPC node to query (may be repeated; more nodes raise verification confidence)"`
	RPCUsername      string   `short:"u" long:"rpcuser" description:"Username for btcd RPC authentication"`
	RPCPassword      string   `short:"P" long:"rpcpass" default-mask:"-" description:"Password for btcd RPC authentication"`
	CAFile           string   `long:"cafile" description:"File containing root certificates to authenticate TLS connections with btcd"`
	DisableClientTLS bool     `long:"noclienttls" description:"Disable TLS for the RPC client"`

	MinPeers int `long:"minpeers" description:"Minimum agreeing nodes required for a UTXO verdict (0 uses the network default)"`

	ServerMode   bool          `long:"server" description:"Run as a pledge status server instead of a client"`
	Listen       string        `long:"listen" description:"Interface and port the status server listens on"`
	OwnerToken   string        `long:"ownertoken" default-mask:"-" description:"Token granting project owners unscrubbed pledge access"`
	PollInterval time.Duration `long:"pollinterval" description:"How often server-assisted projects are refreshed"`

	Profile string `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(path)
	}

	return filepath.Join(homeDir, path[1:])
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr string, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}

	return addr
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while
	// detecting issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an " +
				"invalid subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID,
				supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile:   defaultConfigFile,
		AppDataDir:   defaultAppDataDir,
		DebugLevel:   defaultLogLevel,
		PollInterval: defaultPollInterval,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if cfg.RegressionTest {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: the testnet, simnet and regtest params can't be " +
			"used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Append the network type to the data directory so it is "namespaced"
	// per network.
	cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)
	dataDir := filepath.Join(cfg.AppDataDir, activeNet.Params.Name)

	if cfg.ProjectDir == "" {
		cfg.ProjectDir = filepath.Join(dataDir, defaultProjectDirname)
	} else {
		cfg.ProjectDir = cleanAndExpandPath(cfg.ProjectDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(dataDir, defaultLogDirname)
	} else {
		cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	}

	// Initialize log rotation. After the log rotation has been
	// initialized, the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// At least one node is needed to verify anything against.
	if len(cfg.RPCConnect) == 0 {
		cfg.RPCConnect = []string{net.JoinHostPort(
			"localhost", activeNet.RPCClientPort,
		)}
	}
	for i, addr := range cfg.RPCConnect {
		cfg.RPCConnect[i] = normalizeAddress(
			addr, activeNet.RPCClientPort,
		)
	}

	if cfg.MinPeers <= 0 {
		cfg.MinPeers = activeNet.MinUTXOPeers
	}

	if cfg.Listen == "" {
		cfg.Listen = net.JoinHostPort("", activeNet.StatusServerPort)
	} else {
		cfg.Listen = normalizeAddress(
			cfg.Listen, activeNet.StatusServerPort,
		)
	}

	if !cfg.DisableClientTLS && cfg.CAFile == "" {
		cfg.CAFile = filepath.Join(defaultAppDataDir, "btcd.cert")
	}
	if cfg.CAFile != "" {
		cfg.CAFile = cleanAndExpandPath(cfg.CAFile)
	}

	// Ensure the data and project directories exist.
	if err := os.MkdirAll(cfg.ProjectDir, 0700); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}

// stateDBPath returns the location of the persisted project state database.
func stateDBPath(cfg *config) string {
	return filepath.Join(
		cfg.AppDataDir, activeNet.Params.Name, defaultStateDBName,
	)
}
