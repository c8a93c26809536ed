package mdbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config collects every knob the pipeline honors. There are no command-line
// flags; everything comes from compiled-in defaults, an optional
// minidlna-build.yaml next to the checkout, and MDLNA_* environment
// overrides, highest last.
type Config struct {
	RootDir      string // checkout root
	CacheDir     string // durable archive cache
	PrefixDir    string
	ToolchainDir string

	Target       string // cross target triple
	ToolchainURL string
	ToolchainB3  string

	Jobs         int
	ForceRebuild bool
	Debug        bool
	Verbose      bool
}

// LoadConfig resolves the effective configuration for this run.
func LoadConfig() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cannot determine working directory: %w", err)
	}

	v := viper.New()
	v.SetDefault("root_dir", cwd)
	// The cache deliberately lives beside the checkout so that wiping the
	// tree never throws away downloads.
	v.SetDefault("cache_dir", filepath.Join(filepath.Dir(cwd), "minidlna-build-cache"))
	v.SetDefault("target", defaultTargetTriple)
	v.SetDefault("toolchain_url", defaultToolchainURL)
	v.SetDefault("toolchain_b3", defaultToolchainB3)
	v.SetDefault("jobs", runtime.NumCPU())
	v.SetDefault("force", false)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)

	v.SetConfigName("minidlna-build")
	v.SetConfigType("yaml")
	v.AddConfigPath(cwd)
	if err := v.ReadInConfig(); err != nil {
		// Missing config file is the normal case.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MDLNA")
	v.AutomaticEnv()

	cfg := &Config{
		RootDir:      v.GetString("root_dir"),
		CacheDir:     v.GetString("cache_dir"),
		Target:       v.GetString("target"),
		ToolchainURL: v.GetString("toolchain_url"),
		ToolchainB3:  v.GetString("toolchain_b3"),
		Jobs:         v.GetInt("jobs"),
		ForceRebuild: v.GetBool("force"),
		Debug:        v.GetBool("debug"),
		Verbose:      v.GetBool("verbose"),
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	cfg.PrefixDir = filepath.Join(cfg.RootDir, "staging")
	cfg.ToolchainDir = filepath.Join(cfg.RootDir, "toolchain")

	return cfg, nil
}

// InitConfig publishes the resolved configuration into the package globals
// the rest of the pipeline reads.
func InitConfig(cfg *Config) error {
	RootDir = cfg.RootDir
	CacheStore = cfg.CacheDir
	SourcesDir = filepath.Join(cfg.RootDir, "src")
	PrefixDir = cfg.PrefixDir
	ToolchainDir = cfg.ToolchainDir
	LogDir = filepath.Join(cfg.RootDir, "logs")
	Debug = cfg.Debug
	Verbose = cfg.Verbose
	ForceRebuild = cfg.ForceRebuild
	Jobs = cfg.Jobs

	for _, dir := range []string{CacheStore, SourcesDir, PrefixDir, LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
