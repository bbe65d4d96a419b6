// Package config loads daemon settings and the field-mapping document, and
// watches the mapping file for hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFileName is the config file searched for in the working directory
// and the home directory when no explicit path is given.
const DefaultFileName = ".adosync.yaml"

// Config holds daemon settings. Every key can also be set through the
// environment with an ADOSYNC_ prefix (nested keys use underscores, e.g.
// ADOSYNC_ADO_ORGANIZATION_URL).
type Config struct {
	ADO struct {
		// OrganizationURL is the collection URL, e.g.
		// https://dev.azure.com/myorg.
		OrganizationURL string `mapstructure:"organization_url"`
		Project         string `mapstructure:"project"`

		// PersonalAccessToken authenticates every API call. Usually set
		// via ADOSYNC_ADO_PERSONAL_ACCESS_TOKEN rather than the file.
		PersonalAccessToken string `mapstructure:"personal_access_token"`

		AreaPath      string `mapstructure:"area_path"`
		IterationPath string `mapstructure:"iteration_path"`

		// WorkItemType is the fallback type for outbound creation.
		WorkItemType string `mapstructure:"work_item_type"`
	} `mapstructure:"ado"`

	Sync struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"sync"`

	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`

	Dashboard struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"dashboard"`

	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`

	Mapping struct {
		// Path points at the optional field-mapping YAML document.
		Path string `mapstructure:"path"`

		// HotReload re-applies the mapping document when the file changes.
		HotReload bool `mapstructure:"hot_reload"`
	} `mapstructure:"mapping"`

	Log struct {
		// File is the rotating log destination. Empty logs to stderr only.
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"log"`
}

// Default returns the configuration used when neither file nor environment
// overrides a key.
func Default() *Config {
	cfg := &Config{}
	cfg.ADO.WorkItemType = "User Story"
	cfg.Sync.PollInterval = 5 * time.Minute
	cfg.Server.Port = 7432
	cfg.Dashboard.Port = 7433
	cfg.Store.Path = filepath.Join(".adosync", "stories.db")
	cfg.Mapping.Path = filepath.Join(".adosync", "mapping.yaml")
	cfg.Mapping.HotReload = true
	cfg.Log.MaxSizeMB = 10
	cfg.Log.MaxBackups = 3
	return cfg
}

// Load reads configuration from the given file (optional), then the
// environment. A missing file is not an error; missing credentials are
// caught later by Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ADOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindKeys(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if found := findConfigFile(); found != "" {
		v.SetConfigFile(found)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", found, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// bindKeys registers every key with viper so AutomaticEnv resolves it even
// when the key is absent from the file.
func bindKeys(v *viper.Viper) {
	for _, key := range []string{
		"ado.organization_url",
		"ado.project",
		"ado.personal_access_token",
		"ado.area_path",
		"ado.iteration_path",
		"ado.work_item_type",
		"sync.poll_interval",
		"server.port",
		"dashboard.enabled",
		"dashboard.port",
		"store.path",
		"mapping.path",
		"mapping.hot_reload",
		"log.file",
		"log.max_size_mb",
		"log.max_backups",
	} {
		_ = v.BindEnv(key)
	}
}

func findConfigFile() string {
	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, DefaultFileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks the fields required to talk to the remote tracker.
func (c *Config) Validate() error {
	if c.ADO.OrganizationURL == "" {
		return fmt.Errorf("ado.organization_url is required")
	}
	if c.ADO.Project == "" {
		return fmt.Errorf("ado.project is required")
	}
	if c.ADO.PersonalAccessToken == "" {
		return fmt.Errorf("ado.personal_access_token is required (set ADOSYNC_ADO_PERSONAL_ACCESS_TOKEN)")
	}
	return nil
}
