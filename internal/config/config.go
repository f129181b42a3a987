package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Source is one named log file that viewers can follow.
type Source struct {
	ID       string `mapstructure:"-"`
	Label    string `mapstructure:"label"`
	Path     string `mapstructure:"path"`
	Encoding string `mapstructure:"encoding"`
}

type Config struct {
	// Port is a shortcut for API.Listen = ":<port>" and wins when set.
	Port int `mapstructure:"port"`

	API struct {
		Listen         string   `mapstructure:"listen"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"api"`

	Files map[string]Source `mapstructure:"files"`

	Watcher struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		BufferSize   int           `mapstructure:"buffer_size"`
	} `mapstructure:"watcher"`

	Backlog struct {
		MaxLines int `mapstructure:"max_lines"`
	} `mapstructure:"backlog"`

	Session struct {
		MaxPending int `mapstructure:"max_pending"`
	} `mapstructure:"session"`

	Auth struct {
		// Users maps a user name to a bcrypt hash.
		Users map[string]string `mapstructure:"users"`
	} `mapstructure:"auth"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("watcher.poll_interval", 10*time.Millisecond)
	v.SetDefault("watcher.buffer_size", 1024)
	v.SetDefault("backlog.max_lines", 10000)
	v.SetDefault("session.max_pending", 4096)

	// Env overrides
	v.SetEnvPrefix("LOGTAIL")
	v.AutomaticEnv()
	_ = v.BindEnv("api.listen", "LOGTAIL_API_LISTEN")
	_ = v.BindEnv("port", "LOGTAIL_PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Normalize(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Normalize fills defaults that viper would otherwise provide and validates
// the file list. It is exported so callers can build a Config by hand.
func Normalize(c *Config) error {
	if c.Port > 0 {
		c.API.Listen = fmt.Sprintf(":%d", c.Port)
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8080"
	}
	if c.Watcher.PollInterval <= 0 {
		c.Watcher.PollInterval = 10 * time.Millisecond
	}
	if c.Watcher.BufferSize <= 0 {
		c.Watcher.BufferSize = 1024
	}
	if c.Backlog.MaxLines <= 0 {
		c.Backlog.MaxLines = 10000
	}
	if c.Session.MaxPending <= 0 {
		c.Session.MaxPending = 4096
	}

	if len(c.Files) == 0 {
		return fmt.Errorf("files is required: configure at least one log file")
	}
	files := make(map[string]Source, len(c.Files))
	for id, src := range c.Files {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			return fmt.Errorf("files: empty source id")
		}
		if src.Path == "" {
			return fmt.Errorf("files.%s.path is required", id)
		}
		abs, err := filepath.Abs(src.Path)
		if err != nil {
			return fmt.Errorf("files.%s.path: %w", id, err)
		}
		src.ID = id
		src.Path = abs
		if src.Label == "" {
			src.Label = id
		}
		if src.Encoding == "" {
			src.Encoding = "utf-8"
		}
		if _, err := LookupEncoding(src.Encoding); err != nil {
			return fmt.Errorf("files.%s.encoding: %w", id, err)
		}
		files[id] = src
	}
	c.Files = files
	return nil
}

// Resolve returns the source registered under id.
func (c *Config) Resolve(id string) (Source, bool) {
	src, ok := c.Files[strings.ToLower(id)]
	return src, ok
}

// Sources returns all configured sources ordered by id.
func (c *Config) Sources() []Source {
	out := make([]Source, 0, len(c.Files))
	for _, src := range c.Files {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupEncoding maps a WHATWG encoding label to its x/text implementation.
// Encodings that do not keep '\n' as a single 0x0A byte are rejected because
// the backlog scan counts raw newline bytes.
func LookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
	canonical, _ := htmlindex.Name(enc)
	if strings.HasPrefix(canonical, "utf-16") {
		return nil, fmt.Errorf("encoding %q is not ASCII compatible", name)
	}
	return enc, nil
}
