package tracker

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Meta struct {
		Description string `yaml:"description"`
	} `yaml:"meta"`
	DataDir    string       `yaml:"data_dir"`
	ListenAddr string       `yaml:"listen_addr"`
	Mirror     ConfigMirror `yaml:"mirror"`
	Admin      ConfigAdmin  `yaml:"admin"`
	Delivery   struct {
		DatabaseFile string `yaml:"database_file"`
	} `yaml:"delivery"`
}

type ConfigMirror struct {
	Enabled   bool     `yaml:"enabled"`
	Dir       string   `yaml:"dir"`
	Attempts  int      `yaml:"attempts"`
	BaseDelay Duration `yaml:"base_delay"`
}

// Duration parses "500ms"-style yaml values, which yaml.v3 does not do
// for time.Duration on its own.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

type ConfigAdmin struct {
	Password string `yaml:"password"`
}

func LoadConfig(filename string) (*Config, error) {
	var ret Config
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(data, &ret)
	if err != nil {
		return nil, err
	}
	if ret.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required")
	}
	if ret.ListenAddr == "" {
		ret.ListenAddr = ":8080"
	}
	if ret.Mirror.Enabled {
		if ret.Mirror.Dir == "" {
			return nil, fmt.Errorf("mirror.dir is required when the mirror is enabled")
		}
		if ret.Mirror.Attempts < 0 {
			return nil, fmt.Errorf("mirror.attempts must not be negative")
		}
	}
	if ret.Admin.Password == "" {
		return nil, fmt.Errorf("admin.password is required: the review endpoints have no other authentication")
	}
	return &ret, nil
}
