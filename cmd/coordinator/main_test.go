package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/reshard/pkg/config"
)

func TestPrettyLoggingConfigAndFlagPriority(t *testing.T) {
	tests := []struct {
		name           string
		configValue    bool
		flagPassed     bool
		flagValue      bool
		expectedResult bool
	}{
		{"DefaultNoConfigNoFlag", false, false, false, false},
		{"ConfigTrueNoFlag", true, false, false, true},
		{"ConfigFalseFlagTrue", false, true, true, true},
		{"ConfigTrueFlagFalse", true, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Coordinator{
				PrettyLogging: tt.configValue,
				LogLevel:      "error",
			}

			cmd := &cobra.Command{}
			cmd.Flags().BoolVarP(&prettyLog, "pretty-log", "P", false, "")
			cmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "")

			if tt.flagPassed {
				value := "false"
				if tt.flagValue {
					value = "true"
				}
				assert.NoError(t, cmd.Flags().Set("pretty-log", value))
			}

			applyFlags(cmd, cfg)
			assert.Equal(t, tt.expectedResult, cfg.PrettyLogging)
			assert.Equal(t, "error", cfg.LogLevel)
		})
	}
}
