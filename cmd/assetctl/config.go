package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// config lists the sources to search, in chain order: directories, packs,
// stargz blobs, HTTP bases, then OCI artifacts.
type config struct {
	Dirs      []string `yaml:"dirs"`
	Packs     []string `yaml:"packs"`
	Stargz    []string `yaml:"stargz"`
	HTTP      []string `yaml:"http"`
	OCI       []string `yaml:"oci"`
	Headers   []string `yaml:"headers"`
	MirrorDir string   `yaml:"mirror_dir"`
	MirrorMax int64    `yaml:"mirror_max_bytes"`
	PlainHTTP bool     `yaml:"plain_http"`
	LogLevel  string   `yaml:"log_level"`
}

// sourceFlags binds the source flags shared by get and which.
type sourceFlags struct {
	configPath string
	cfg        config
}

func (f *sourceFlags) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "YAML file listing sources; flags are appended to it")
	flagSet.StringSliceVar(&f.cfg.Dirs, "dir", nil, "asset directory (repeatable)")
	flagSet.StringSliceVar(&f.cfg.Packs, "pack", nil, "asset pack file or https URL (repeatable)")
	flagSet.StringSliceVar(&f.cfg.Stargz, "stargz", nil, "eStargz blob file (repeatable)")
	flagSet.StringSliceVar(&f.cfg.HTTP, "http", nil, "HTTP base URL (repeatable)")
	flagSet.StringSliceVar(&f.cfg.OCI, "oci", nil, "OCI artifact reference (repeatable)")
	flagSet.StringArrayVar(&f.cfg.Headers, "header", nil, "extra HTTP request header as 'Key: Value' (repeatable)")
	flagSet.StringVar(&f.cfg.MirrorDir, "mirror-dir", "", "keep a local copy of remote assets in this directory")
	flagSet.Int64Var(&f.cfg.MirrorMax, "mirror-max-bytes", 0, "bound the mirror size (0 = unbounded)")
	flagSet.BoolVar(&f.cfg.PlainHTTP, "plain-http", false, "use plain HTTP for OCI registries")
	flagSet.StringVar(&f.cfg.LogLevel, "log-level", "", "log level: debug, info, warn, error (default warn)")
}

// resolve merges the config file, if any, under the flags.
func (f *sourceFlags) resolve() (config, error) {
	if f.configPath == "" {
		return f.cfg, nil
	}
	file, err := loadConfig(f.configPath)
	if err != nil {
		return config{}, err
	}
	return file.merge(f.cfg), nil
}

func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// merge appends the flag sources after the file sources. Scalar flags
// override the file when set.
func (c config) merge(flags config) config {
	out := c
	out.Dirs = append(out.Dirs, flags.Dirs...)
	out.Packs = append(out.Packs, flags.Packs...)
	out.Stargz = append(out.Stargz, flags.Stargz...)
	out.HTTP = append(out.HTTP, flags.HTTP...)
	out.OCI = append(out.OCI, flags.OCI...)
	out.Headers = append(out.Headers, flags.Headers...)
	if flags.MirrorDir != "" {
		out.MirrorDir = flags.MirrorDir
	}
	if flags.MirrorMax != 0 {
		out.MirrorMax = flags.MirrorMax
	}
	if flags.PlainHTTP {
		out.PlainHTTP = true
	}
	if flags.LogLevel != "" {
		out.LogLevel = flags.LogLevel
	}
	return out
}

func (c config) empty() bool {
	return len(c.Dirs)+len(c.Packs)+len(c.Stargz)+len(c.HTTP)+len(c.OCI) == 0
}

func (c config) level() (slog.Level, error) {
	if c.LogLevel == "" {
		return slog.LevelWarn, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

func (c config) headers() (map[string]string, error) {
	out := make(map[string]string, len(c.Headers))
	for _, h := range c.Headers {
		key, value, ok := strings.Cut(h, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q: want 'Key: Value'", h)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}
