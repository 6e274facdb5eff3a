// Package cfg is the dispatcher's read-mostly config owner: loaded once at
// startup from the environment (§6) into a *Config whose plain fields the
// components read. cmd/dispatcher stores it in Global (the shape of the
// teacher's cmn.Rom / cmn.GCO singleton, cmn/rom.go) and passes it to each
// component's constructor.
package cfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// HostEntry is one physical detector's reader and crate-controller host
// lists in MasterDAQConfig.
type HostEntry struct {
	Readers    []string `json:"readers"`
	Controller []string `json:"controller"`
}

// Config is the fully parsed, validated process configuration.
type Config struct {
	PollFrequency          time.Duration
	ClientTimeout          time.Duration
	TimeoutActionThreshold time.Duration
	ArmCommandTimeout      time.Duration
	StartCommandTimeout    time.Duration
	StopCommandTimeout     time.Duration
	TimeBetweenCommands    time.Duration
	RetryReset             int
	ControlKeys            []string
	MasterDAQConfig        map[string]HostEntry
	LogName                string
	ControlDatabaseName    string
	RunsDatabaseName       string
	RunsDatabaseCollection string
	Hostname               string
	TPCDetector            string
	Verbose                bool
	TestingEnv             bool // swaps V17/V2718 board-type prefixes for f17/f2718

	// DBPath is where the embedded store (internal/store) persists its
	// collections. The two credential env vars named in §6
	// (MONGO_PASSWORD / RUNS_MONGO_PASSWORD) are read for parity with the
	// deployed environment but unused here: the backing database server is
	// an out-of-scope external collaborator (§1), and the Store Gateway
	// documented in SPEC_FULL.md is backed by an embedded store instead of
	// a remote one.
	DBPath             string
	MongoPassword      string
	RunsMongoPassword  string
}

// Global is the process-wide configuration, set once by Load.
var Global *Config

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDurationSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

// Load reads and validates configuration from the environment (§6). Startup
// misconfiguration is the only fatal condition in this system (§7) — Load
// returns a descriptive error and the caller exits non-zero.
func Load() (*Config, error) {
	c := &Config{}
	var err error

	if c.PollFrequency, err = envDurationSeconds("POLL_FREQUENCY", 5*time.Second); err != nil {
		return nil, err
	}
	if c.ClientTimeout, err = envDurationSeconds("CLIENT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.TimeoutActionThreshold, err = envDurationSeconds("TIMEOUT_ACTION_THRESHOLD", 60*time.Second); err != nil {
		return nil, err
	}
	if c.ArmCommandTimeout, err = envDurationSeconds("ARM_COMMAND_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.StartCommandTimeout, err = envDurationSeconds("START_COMMAND_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.StopCommandTimeout, err = envDurationSeconds("STOP_COMMAND_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.TimeBetweenCommands, err = envDurationSeconds("TIME_BETWEEN_COMMANDS", 10*time.Second); err != nil {
		return nil, err
	}
	if c.RetryReset, err = envInt("RETRY_RESET", 3); err != nil {
		return nil, err
	}

	if keys := os.Getenv("CONTROL_KEYS"); keys != "" {
		c.ControlKeys = strings.Fields(keys)
	} else {
		c.ControlKeys = []string{"active", "mode", "user", "comment", "stop_after", "finish_run_on_stop"}
	}

	raw := os.Getenv("MASTER_DAQ_CONFIG")
	if raw == "" {
		return nil, fmt.Errorf("MASTER_DAQ_CONFIG is required")
	}
	if err := json.Unmarshal([]byte(raw), &c.MasterDAQConfig); err != nil {
		return nil, fmt.Errorf("MASTER_DAQ_CONFIG: %w", err)
	}
	if len(c.MasterDAQConfig) == 0 {
		return nil, fmt.Errorf("MASTER_DAQ_CONFIG declares no detectors")
	}

	c.LogName = orDefault(os.Getenv("LOG_NAME"), "dispatcher")
	c.ControlDatabaseName = orDefault(os.Getenv("CONTROL_DATABASE_NAME"), "daq")
	c.RunsDatabaseName = orDefault(os.Getenv("RUNS_DATABASE_NAME"), "run")
	c.RunsDatabaseCollection = orDefault(os.Getenv("RUNS_DATABASE_COLLECTION"), "runs_new")
	c.Hostname = orDefault(os.Getenv("HOSTNAME"), "dispatcher")
	c.TPCDetector = orDefault(os.Getenv("TPC_DETECTOR"), "tpc")
	c.Verbose = os.Getenv("DISPATCHER_VERBOSE") == "true"
	c.TestingEnv = os.Getenv("DISPATCHER_TESTING") == "true"
	c.DBPath = orDefault(os.Getenv("DISPATCHER_DB_PATH"), "dispatcher.db")
	c.MongoPassword = os.Getenv("MONGO_PASSWORD")
	c.RunsMongoPassword = os.Getenv("RUNS_MONGO_PASSWORD")

	return c, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// DigiType and CCType are the board-type substrings used to split a run
// mode's boards into readers and crate controllers (§4.4). The original
// Python used 'f17'/'f2718' in test mode to avoid colliding with real
// hardware type strings.
func (c *Config) DigiType() string {
	if c.TestingEnv {
		return "f17"
	}
	return "V17"
}

func (c *Config) CCType() string {
	if c.TestingEnv {
		return "f2718"
	}
	return "V2718"
}
