// Package config loads settings from apkfetch.yaml, APKFETCH_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/3leaps/apkfetch/internal/httpclient"
	"github.com/3leaps/apkfetch/internal/installer"
	"github.com/3leaps/apkfetch/internal/model"
)

const (
	EnvPrefix = "APKFETCH"
	FileName  = "apkfetch"
)

// Keys. Nested keys map to APKFETCH_SECTION_NAME environment variables.
const (
	KeyDataDir        = "data-dir"
	KeyCatalog        = "catalog"
	KeyBackend        = "install.backend"
	KeyForeground     = "install.foreground"
	KeyInstallerID    = "install.installer-id"
	KeyABIs           = "device.abis"
	KeySDK            = "device.sdk"
	KeyPrefer32Bit    = "device.prefer-32bit"
	KeyLogLevel       = "log.level"
	KeyLogFile        = "log.file"
	KeyGitHubToken    = "github.token"
	KeyGitHubAPI      = "github.api"
	KeyGitLabAPI      = "gitlab.api"
	KeyCacheTTL       = "cache.ttl"
	KeyDNS            = "network.dns"
	KeyCustomDNS      = "network.custom-dns"
	KeyProxy          = "network.proxy"
	KeyTrustUserCAs   = "network.trust-user-cas"
	KeyUserCAFile     = "network.user-ca-file"
	KeyConnectTimeout = "network.connect-timeout"
	KeyReadTimeout    = "network.read-timeout"
	KeyCallTimeout    = "network.call-timeout"
	KeyRetries        = "network.retries"
)

// Config is the resolved configuration.
type Config struct {
	DataDir     string
	CatalogFile string

	Backend     installer.Kind
	Foreground  bool
	InstallerID string

	ABIs        []model.ABI
	SDK         int
	Prefer32Bit bool

	LogLevel string
	LogFile  string

	GitHubToken string
	GitHubAPI   string
	GitLabAPI   string
	CacheTTL    time.Duration

	Network httpclient.Settings
}

// DownloadDir holds downloaded artifacts.
func (c Config) DownloadDir() string { return filepath.Join(c.DataDir, "downloads") }

// MetadataFile persists the release cache.
func (c Config) MetadataFile() string { return filepath.Join(c.DataDir, "metadata.json") }

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	net := httpclient.DefaultSettings()
	v.SetDefault(KeyDataDir, defaultDataDir())
	v.SetDefault(KeyCatalog, "")
	v.SetDefault(KeyBackend, string(installer.KindSession))
	v.SetDefault(KeyForeground, false)
	v.SetDefault(KeyInstallerID, "com.android.vending")
	v.SetDefault(KeyABIs, []string{})
	v.SetDefault(KeySDK, 0)
	v.SetDefault(KeyPrefer32Bit, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyGitHubToken, "")
	v.SetDefault(KeyGitHubAPI, "https://api.github.com")
	v.SetDefault(KeyGitLabAPI, "https://gitlab.com/api/v4")
	v.SetDefault(KeyCacheTTL, 10*time.Minute)
	v.SetDefault(KeyDNS, string(net.DNS))
	v.SetDefault(KeyCustomDNS, "")
	v.SetDefault(KeyProxy, "")
	v.SetDefault(KeyTrustUserCAs, false)
	v.SetDefault(KeyUserCAFile, "")
	v.SetDefault(KeyConnectTimeout, net.ConnectTimeout)
	v.SetDefault(KeyReadTimeout, net.ReadTimeout)
	v.SetDefault(KeyCallTimeout, net.CallTimeout)
	v.SetDefault(KeyRetries, net.Retries)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"data-dir":  KeyDataDir,
	"catalog":   KeyCatalog,
	"backend":   KeyBackend,
	"log-level": KeyLogLevel,
	"log-file":  KeyLogFile,
	"dns":       KeyDNS,
	"proxy":     KeyProxy,
	"abi":       KeyABIs,
	"sdk":       KeySDK,
}

// RegisterFlags adds the persistent flags that override configuration keys.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default: $XDG_CONFIG_HOME/apkfetch/apkfetch.yaml or ./apkfetch.yaml)")
	fs.String("data-dir", "", "directory for downloads and cached metadata")
	fs.String("catalog", "", "JSON or YAML catalog merged over the built-in one")
	fs.String("backend", "", "install backend: session, root, broker or intent")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-file", "", "log to this file with rotation instead of stderr")
	fs.String("dns", "", "dns mode: system, digital-society-switzerland-doh, quad9-doh, cloudflare-doh, google-doh, custom, off")
	fs.String("proxy", "", "proxy as TYPE;host;port[;user;pass]")
	fs.StringSlice("abi", nil, "device ABIs in order of preference (default: detected)")
	fs.Int("sdk", 0, "device SDK level (default: detected)")
}

// BindFlags binds the flags registered by RegisterFlags. Only flags the user set
// take precedence over the file and the environment.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file and returns the resolved configuration. An explicit
// configFile must exist; the default locations are optional.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, FileName))
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	backend, err := installer.ParseKind(v.GetString(KeyBackend))
	if err != nil {
		return Config{}, err
	}
	abis, err := parseABIs(v.GetStringSlice(KeyABIs))
	if err != nil {
		return Config{}, err
	}
	dns, err := httpclient.ParseDNSMode(v.GetString(KeyDNS))
	if err != nil {
		return Config{}, err
	}

	c := Config{
		DataDir:     v.GetString(KeyDataDir),
		CatalogFile: v.GetString(KeyCatalog),
		Backend:     backend,
		Foreground:  v.GetBool(KeyForeground),
		InstallerID: v.GetString(KeyInstallerID),
		ABIs:        abis,
		SDK:         v.GetInt(KeySDK),
		Prefer32Bit: v.GetBool(KeyPrefer32Bit),
		LogLevel:    v.GetString(KeyLogLevel),
		LogFile:     v.GetString(KeyLogFile),
		GitHubToken: v.GetString(KeyGitHubToken),
		GitHubAPI:   strings.TrimRight(v.GetString(KeyGitHubAPI), "/"),
		GitLabAPI:   strings.TrimRight(v.GetString(KeyGitLabAPI), "/"),
		CacheTTL:    v.GetDuration(KeyCacheTTL),
		Network: httpclient.Settings{
			DNS:            dns,
			CustomDNS:      v.GetString(KeyCustomDNS),
			Proxy:          v.GetString(KeyProxy),
			TrustUserCAs:   v.GetBool(KeyTrustUserCAs),
			UserCAFile:     v.GetString(KeyUserCAFile),
			ConnectTimeout: v.GetDuration(KeyConnectTimeout),
			ReadTimeout:    v.GetDuration(KeyReadTimeout),
			CallTimeout:    v.GetDuration(KeyCallTimeout),
			Retries:        v.GetInt(KeyRetries),
		},
	}
	if c.DataDir == "" {
		return Config{}, errors.New("data-dir must not be empty")
	}
	if c.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("cache.ttl must be positive, got %s", c.CacheTTL)
	}
	return c, nil
}

func parseABIs(values []string) ([]model.ABI, error) {
	var out []model.ABI
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			abi, err := model.ParseABI(part)
			if err != nil {
				return nil, err
			}
			out = append(out, abi)
		}
	}
	return out, nil
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, FileName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), FileName)
	}
	return filepath.Join(home, ".cache", FileName)
}
