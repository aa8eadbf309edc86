package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haolipeng/diag_collect_engine/pkg/types"
)

// EgressConfig 表示单个命名egress sink的定义
type EgressConfig struct {
	Type      string `yaml:"type"` // 目前支持 file
	Directory string `yaml:"directory"`
}

type Config struct {
	Channel struct {
		Mode             string         `yaml:"mode"` // connect 或 listen
		EndpointDir      string         `yaml:"endpoint_dir"`
		ListenSocket     string         `yaml:"listen_socket"`
		PollInterval     types.Duration `yaml:"poll_interval"`
		DialTimeout      types.Duration `yaml:"dial_timeout"`
		HandshakeTimeout types.Duration `yaml:"handshake_timeout"`
	} `yaml:"channel"`

	Engine struct {
		BufferSize int `yaml:"buffer_size"`
	} `yaml:"engine"`

	Rules struct {
		Directory string `yaml:"directory"`
		Reload    bool   `yaml:"reload"` // 是否监听规则目录变化并热重载
	} `yaml:"rules"`

	Action struct {
		DefaultTimeout types.Duration `yaml:"default_timeout"`
	} `yaml:"action"`

	Egress map[string]EgressConfig `yaml:"egress"`

	API struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"api"`

	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		Filename   string `yaml:"filename"`
		MaxAge     int    `yaml:"max_age"`
		RotateTime int    `yaml:"rotate_time"`
	} `yaml:"log"`
}

func (c *Config) Validate() error {
	switch c.Channel.Mode {
	case "connect":
		if c.Channel.EndpointDir == "" {
			return fmt.Errorf("channel endpoint_dir is required in connect mode")
		}
	case "listen":
		if c.Channel.ListenSocket == "" {
			return fmt.Errorf("channel listen_socket is required in listen mode")
		}
	default:
		return fmt.Errorf("channel mode must be connect or listen, got %q", c.Channel.Mode)
	}

	if c.Rules.Directory == "" {
		return fmt.Errorf("rules directory is required")
	}
	if c.Engine.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}

	for name, eg := range c.Egress {
		if eg.Type != "file" {
			return fmt.Errorf("egress %s: unknown type %q", name, eg.Type)
		}
		if eg.Directory == "" {
			return fmt.Errorf("egress %s: directory is required", name)
		}
	}

	return nil
}

// applyDefaults 填充缺省值
func (c *Config) applyDefaults() {
	if c.Channel.PollInterval <= 0 {
		c.Channel.PollInterval = types.Duration(2_000_000_000) // 2s
	}
	if c.Channel.DialTimeout <= 0 {
		c.Channel.DialTimeout = types.Duration(3_000_000_000) // 3s
	}
	if c.Channel.HandshakeTimeout <= 0 {
		c.Channel.HandshakeTimeout = types.Duration(10_000_000_000) // 10s
	}
	if c.Engine.BufferSize <= 0 {
		c.Engine.BufferSize = 256
	}
	if c.Action.DefaultTimeout <= 0 {
		c.Action.DefaultTimeout = types.Duration(30_000_000_000) // 30s
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == "" {
		c.API.Port = "52326"
	}
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
