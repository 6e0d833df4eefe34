package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"
	"outproxy_nexus/internal/shared/types"
)

const (
	DefaultOverlayHost      = "127.0.0.1"
	DefaultOverlayHTTPPort  = 4444
	DefaultOverlayHTTPSPort = 4447
	DefaultDirectoryURL     = "http://outproxys.i2p/"
)

// Default 返回所有字段都已填充默认值的配置。
// LoadIni 在此基础上覆盖 ini 文件中出现的键。
func Default() *types.Config {
	return &types.Config{
		LocalConf: types.LocalConf{WebPort: 0},
		LogConf:   types.LogConf{Level: "info"},
		OverlayConf: types.OverlayConf{
			Host:        DefaultOverlayHost,
			HTTPPort:    DefaultOverlayHTTPPort,
			HTTPSPort:   DefaultOverlayHTTPSPort,
			DialTimeout: 30,
		},
		DirectoryConf: types.DirectoryConf{
			URL:       DefaultDirectoryURL,
			Timeout:   30,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; rv:128.0) Gecko/20100101 Firefox/128.0",
		},
	}
}

// LoadIni 加载 outproxy.ini 行为配置文件。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	return mapAndValidate(cfg, iniFile)
}

// LoadIniContent is LoadIni for in-memory content (mobile mode).
func LoadIniContent(cfg *types.Config, content []byte) error {
	iniFile, err := ini.Load(content)
	if err != nil {
		return err
	}
	return mapAndValidate(cfg, iniFile)
}

func mapAndValidate(cfg *types.Config, iniFile *ini.File) error {
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvString(&cfg.OverlayConf.Host, "OVERLAY_HOST")
	overrideFromEnvString(&cfg.DirectoryConf.URL, "DIRECTORY_URL")
	overrideFromEnvInt(&cfg.LocalConf.WebPort, "WEB_PORT")
	return Validate(cfg)
}

// Validate checks the static configuration.
func Validate(cfg *types.Config) error {
	if cfg.OverlayConf.Host == "" {
		return &ConfigError{Field: "overlay.host", Reason: "must not be empty"}
	}
	if !validPort(cfg.OverlayConf.HTTPPort) {
		return &ConfigError{Field: "overlay.http_port", Value: cfg.OverlayConf.HTTPPort, Reason: "must be in 1..65535"}
	}
	if !validPort(cfg.OverlayConf.HTTPSPort) {
		return &ConfigError{Field: "overlay.https_port", Value: cfg.OverlayConf.HTTPSPort, Reason: "must be in 1..65535"}
	}
	if cfg.OverlayConf.DialTimeout <= 0 {
		return &ConfigError{Field: "overlay.dial_timeout", Value: cfg.OverlayConf.DialTimeout, Reason: "must be positive"}
	}
	if cfg.DirectoryConf.URL == "" {
		return &ConfigError{Field: "directory.url", Reason: "must not be empty"}
	}
	if cfg.DirectoryConf.Timeout <= 0 {
		return &ConfigError{Field: "directory.timeout", Value: cfg.DirectoryConf.Timeout, Reason: "must be positive"}
	}
	if cfg.LocalConf.WebPort < 0 || cfg.LocalConf.WebPort > 65535 {
		return &ConfigError{Field: "local.web_port", Value: cfg.LocalConf.WebPort, Reason: "must be in 0..65535"}
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
