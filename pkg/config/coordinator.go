package config

import (
	"encoding/json"
	"os"
	"time"
)

var cfgCoordinator Coordinator

type Coordinator struct {
	LogLevel      string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile       string `json:"log_file" toml:"log_file" yaml:"log_file"`
	PrettyLogging bool   `json:"pretty_logging" toml:"pretty_logging" yaml:"pretty_logging"`

	QdbType       string `json:"qdb_type" toml:"qdb_type" yaml:"qdb_type"`
	QdbAddr       string `json:"qdb_addr" toml:"qdb_addr" yaml:"qdb_addr"`
	QdbBackupPath string `json:"qdb_backup_path" toml:"qdb_backup_path" yaml:"qdb_backup_path"`

	Host        string `json:"host" toml:"host" yaml:"host"`
	GrpcApiPort string `json:"grpc_api_port" toml:"grpc_api_port" yaml:"grpc_api_port"`

	IterationTimeout     time.Duration `json:"iteration_timeout" toml:"iteration_timeout" yaml:"iteration_timeout"`
	LockIterationTimeout time.Duration `json:"lock_iteration_timeout" toml:"lock_iteration_timeout" yaml:"lock_iteration_timeout"`

	// Participants maps shard ids to participant gRPC addresses.
	Participants   map[string]string `json:"participants" toml:"participants" yaml:"participants"`
	RetryAttempts  uint64            `json:"retry_attempts" toml:"retry_attempts" yaml:"retry_attempts"`
	RetryBaseDelay time.Duration     `json:"retry_base_delay" toml:"retry_base_delay" yaml:"retry_base_delay"`

	// CatchUpLag is how far, in cluster time, every recipient may trail
	// the donors before writes get blocked.
	CatchUpLag uint64 `json:"catch_up_lag" toml:"catch_up_lag" yaml:"catch_up_lag"`

	// CriticalSectionTimeout bounds how long donors keep writes blocked
	// before the operation is aborted.
	CriticalSectionTimeout time.Duration `json:"critical_section_timeout" toml:"critical_section_timeout" yaml:"critical_section_timeout"`

	JaegerConfig JaegerCfg `json:"jaeger" toml:"jaeger" yaml:"jaeger"`
}

// LoadCoordinatorCfg loads the coordinator configuration from the specified file path.
//
// Returns the JSON-formatted config on success.
func LoadCoordinatorCfg(cfgPath string) (string, error) {
	var ccfg Coordinator
	file, err := os.Open(cfgPath)
	if err != nil {
		cfgCoordinator = ccfg
		return "", err
	}
	defer file.Close()

	if err := initConfig(file, &ccfg); err != nil {
		cfgCoordinator = Coordinator{}
		return "", err
	}
	cfgCoordinator = ccfg

	configBytes, err := json.MarshalIndent(&cfgCoordinator, "", "  ")
	if err != nil {
		return "", err
	}

	return string(configBytes), nil
}

// CoordinatorConfig returns a pointer to the Coordinator configuration.
func CoordinatorConfig() *Coordinator {
	return &cfgCoordinator
}
