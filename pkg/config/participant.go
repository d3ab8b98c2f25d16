package config

import (
	"encoding/json"
	"os"
	"time"
)

var cfgParticipant Participant

const (
	WriteBlockReject = "reject"
	WriteBlockQueue  = "queue"

	DataShardMemory   = "memory"
	DataShardPostgres = "postgres"
)

type DataShardCfg struct {
	Type       string `json:"type" toml:"type" yaml:"type"`
	ConnString string `json:"conn_string" toml:"conn_string" yaml:"conn_string"`
}

type Participant struct {
	LogLevel      string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile       string `json:"log_file" toml:"log_file" yaml:"log_file"`
	PrettyLogging bool   `json:"pretty_logging" toml:"pretty_logging" yaml:"pretty_logging"`

	ShardID     string `json:"shard_id" toml:"shard_id" yaml:"shard_id"`
	Host        string `json:"host" toml:"host" yaml:"host"`
	GrpcApiPort string `json:"grpc_api_port" toml:"grpc_api_port" yaml:"grpc_api_port"`

	QdbType       string `json:"qdb_type" toml:"qdb_type" yaml:"qdb_type"`
	QdbAddr       string `json:"qdb_addr" toml:"qdb_addr" yaml:"qdb_addr"`
	QdbBackupPath string `json:"qdb_backup_path" toml:"qdb_backup_path" yaml:"qdb_backup_path"`

	// Participants maps peer shard ids to gRPC addresses, recipients read
	// donor snapshots and change streams through them.
	Participants   map[string]string `json:"participants" toml:"participants" yaml:"participants"`
	RetryAttempts  uint64            `json:"retry_attempts" toml:"retry_attempts" yaml:"retry_attempts"`
	RetryBaseDelay time.Duration     `json:"retry_base_delay" toml:"retry_base_delay" yaml:"retry_base_delay"`

	BatchSize      int           `json:"batch_size" toml:"batch_size" yaml:"batch_size"`
	PollInterval   time.Duration `json:"poll_interval" toml:"poll_interval" yaml:"poll_interval"`
	WriteBlockMode string        `json:"write_block_mode" toml:"write_block_mode" yaml:"write_block_mode"`

	DataShard DataShardCfg `json:"data_shard" toml:"data_shard" yaml:"data_shard"`

	Daemonize   bool   `json:"daemonize" toml:"daemonize" yaml:"daemonize"`
	PidFileName string `json:"pid_filename" toml:"pid_filename" yaml:"pid_filename"`
	LogFileName string `json:"daemon_log_filename" toml:"daemon_log_filename" yaml:"daemon_log_filename"`

	JaegerConfig JaegerCfg `json:"jaeger" toml:"jaeger" yaml:"jaeger"`
}

// LoadParticipantCfg loads the participant configuration from the specified file path.
func LoadParticipantCfg(cfgPath string) (string, error) {
	var pcfg Participant
	file, err := os.Open(cfgPath)
	if err != nil {
		cfgParticipant = pcfg
		return "", err
	}
	defer file.Close()

	if err := initConfig(file, &pcfg); err != nil {
		cfgParticipant = Participant{}
		return "", err
	}
	cfgParticipant = pcfg

	configBytes, err := json.MarshalIndent(&cfgParticipant, "", "  ")
	if err != nil {
		return "", err
	}

	return string(configBytes), nil
}

func ParticipantConfig() *Participant {
	return &cfgParticipant
}
