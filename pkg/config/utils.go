package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

type JaegerCfg struct {
	JaegerUrl string `json:"jaeger_url" toml:"jaeger_url" yaml:"jaeger_url"`
}

// initConfig decodes a configuration file, picking the format by suffix.
func initConfig(file *os.File, target any) error {
	if strings.HasSuffix(file.Name(), ".toml") {
		_, err := toml.NewDecoder(file).Decode(target)
		return err
	}
	if strings.HasSuffix(file.Name(), ".yaml") || strings.HasSuffix(file.Name(), ".yml") {
		return yaml.NewDecoder(file).Decode(target)
	}
	if strings.HasSuffix(file.Name(), ".json") {
		return json.NewDecoder(file).Decode(target)
	}
	return fmt.Errorf("unknown config format type: %s. Use .toml, .yaml or .json suffix in filename", file.Name())
}

func ValueOrDefaultDuration(value time.Duration, def time.Duration) time.Duration {
	if value == 0 {
		return def
	}
	return value
}

func ValueOrDefaultInt(value int, def int) int {
	if value == 0 {
		return def
	}
	return value
}

func ValueOrDefaultString(value string, def string) string {
	if value == "" {
		return def
	}
	return value
}

// GetHostOrHostname returns host, or the machine hostname when host is empty.
func GetHostOrHostname(host string) (string, error) {
	if host != "" {
		return host, nil
	}
	return os.Hostname()
}
