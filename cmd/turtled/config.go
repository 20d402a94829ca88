package main

import (
	"net/http"
	"os"

	"github.com/turtle-io/turtle"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of the configuration object, kept
// separate from turtle.Config so YAML tags don't leak into the library's
// exported surface.
type fileConfig struct {
	Port    int               `yaml:"port"`
	Address string            `yaml:"address"`
	ID      string            `yaml:"id"`
	Default string            `yaml:"default"`
	Root    string            `yaml:"root"`
	VHosts  map[string]string `yaml:"vhosts"`
	Tmp     string            `yaml:"tmp"`
	Index   []string          `yaml:"index"`

	Headers  map[string]string `yaml:"headers"`
	Compress bool              `yaml:"compress"`
	JSON     int               `yaml:"json"`
	MaxBytes int64             `yaml:"maxBytes"`

	SSL struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"ssl"`

	Proxy struct {
		Rewrite        []string `yaml:"rewrite"`
		MaxConnections int      `yaml:"maxConnections"`
	} `yaml:"proxy"`

	Logs struct {
		Level  string `yaml:"level"`
		Stdout bool   `yaml:"stdout"`
		Dtrace bool   `yaml:"dtrace"`
		Format string `yaml:"format"`
		Time   string `yaml:"time"`
		File   string `yaml:"file"`
	} `yaml:"logs"`

	Seed     uint32 `yaml:"seed"`
	UID      int    `yaml:"uid"`
	CatchAll bool   `yaml:"catchAll"`
}

// loadFileConfig reads and parses the YAML config at path. A missing path
// is not an error: the caller runs with turtle.DefaultConfig() plus flags.
func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// toServerConfig merges fc over turtle.DefaultConfig(); zero-valued fields
// in fc leave the default untouched.
func toServerConfig(fc fileConfig) turtle.Config {
	cfg := turtle.DefaultConfig()

	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	cfg.Address = fc.Address
	cfg.ID = fc.ID
	cfg.Default = fc.Default
	cfg.Root = fc.Root
	if len(fc.VHosts) > 0 {
		cfg.VHosts = fc.VHosts
	}
	cfg.Tmp = fc.Tmp
	if len(fc.Index) > 0 {
		cfg.Index = fc.Index
	}

	if len(fc.Headers) > 0 {
		h := make(http.Header, len(fc.Headers))
		for k, v := range fc.Headers {
			h.Set(k, v)
		}
		if h.Get("Server") == "" {
			h.Set("Server", cfg.Headers.Get("Server"))
		}
		cfg.Headers = h
	}
	cfg.Compress = fc.Compress
	cfg.JSON = fc.JSON
	cfg.MaxBytes = fc.MaxBytes

	cfg.SSLCert = fc.SSL.Cert
	cfg.SSLKey = fc.SSL.Key

	cfg.ProxyRewrite = fc.Proxy.Rewrite
	cfg.ProxyMaxConnections = fc.Proxy.MaxConnections

	cfg.LogLevel = fc.Logs.Level
	cfg.LogStdout = fc.Logs.Stdout
	cfg.LogDtrace = fc.Logs.Dtrace
	cfg.LogFormat = fc.Logs.Format
	cfg.LogTime = fc.Logs.Time

	cfg.Seed = fc.Seed
	cfg.UID = fc.UID
	cfg.CatchAll = fc.CatchAll

	return cfg
}
