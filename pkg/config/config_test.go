package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadCoordinatorCfgFormats(t *testing.T) {
	assert := assert.New(t)

	for _, tt := range []struct {
		name    string
		content string
	}{
		{
			name: "coordinator.yaml",
			content: `log_level: debug
qdb_type: etcd
qdb_addr: localhost:2379
iteration_timeout: 5s
critical_section_timeout: 2s
catch_up_lag: 10
participants:
  sh1: localhost:7001
`,
		},
		{
			name: "coordinator.toml",
			content: `log_level = "debug"
qdb_type = "etcd"
qdb_addr = "localhost:2379"
iteration_timeout = "5s"
critical_section_timeout = "2s"
catch_up_lag = 10
[participants]
sh1 = "localhost:7001"
`,
		},
		{
			name: "coordinator.json",
			content: `{"log_level": "debug", "qdb_type": "etcd", "qdb_addr": "localhost:2379",
"iteration_timeout": 5000000000, "critical_section_timeout": 2000000000, "catch_up_lag": 10, "participants": {"sh1": "localhost:7001"}}`,
		},
	} {
		_, err := LoadCoordinatorCfg(writeFile(t, tt.name, tt.content))
		assert.NoError(err, tt.name)

		cfg := CoordinatorConfig()
		assert.Equal("debug", cfg.LogLevel, tt.name)
		assert.Equal("etcd", cfg.QdbType, tt.name)
		assert.Equal(5*time.Second, cfg.IterationTimeout, tt.name)
		assert.Equal(2*time.Second, cfg.CriticalSectionTimeout, tt.name)
		assert.Equal(uint64(10), cfg.CatchUpLag, tt.name)
		assert.Equal(map[string]string{"sh1": "localhost:7001"}, cfg.Participants, tt.name)
	}
}

func TestLoadCoordinatorCfgUnknownSuffix(t *testing.T) {
	_, err := LoadCoordinatorCfg(writeFile(t, "coordinator.ini", "log_level=debug"))
	assert.Error(t, err)
	assert.Equal(t, "", CoordinatorConfig().LogLevel)
}

func TestLoadParticipantCfg(t *testing.T) {
	assert := assert.New(t)

	out, err := LoadParticipantCfg(writeFile(t, "participant.yaml", `shard_id: sh1
write_block_mode: queue
batch_size: 100
data_shard:
  type: postgres
  conn_string: postgres://localhost/db
`))
	assert.NoError(err)
	assert.Contains(out, `"shard_id": "sh1"`)

	cfg := ParticipantConfig()
	assert.Equal("sh1", cfg.ShardID)
	assert.Equal(WriteBlockQueue, cfg.WriteBlockMode)
	assert.Equal(DataShardPostgres, cfg.DataShard.Type)
	assert.Equal(100, cfg.BatchSize)
}

func TestValueOrDefault(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(time.Second, ValueOrDefaultDuration(0, time.Second))
	assert.Equal(time.Minute, ValueOrDefaultDuration(time.Minute, time.Second))
	assert.Equal(7, ValueOrDefaultInt(0, 7))
	assert.Equal("reject", ValueOrDefaultString("", "reject"))

	host, err := GetHostOrHostname("example")
	assert.NoError(err)
	assert.Equal("example", host)
}
