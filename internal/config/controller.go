package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const minCommandTimeoutMS = 1000

// ControllerConfig holds configuration for the timezone controller.
type ControllerConfig struct {
	CDPAddress      string
	CDPPort         int
	ProtocolVersion string

	BindAddr         string
	PortAutoFallback bool
	PortCandidates   []string

	CommandTimeoutMS     int
	ReloadOnApply        bool
	ApplyDefaultTimezone bool

	LogLevel   string
	LogFile    string
	JournalDir string // empty disables the indicator journal

	PrefsFile string

	BrowserLaunch     bool
	BrowserProfileDir string
	BrowserStartURL   string
}

// LoadController reads controller configuration from environment variables
// and an optional .env file.
func LoadController() (*ControllerConfig, error) {
	loadDotEnv()

	cfg := &ControllerConfig{
		CDPAddress:      getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:         getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		ProtocolVersion: getEnvOrDefault("CDP_PROTOCOL_VERSION", "1.3"),

		BindAddr:         getEnvOrDefault("CONTROLLER_BIND_ADDR", "127.0.0.1:8189"),
		PortAutoFallback: getEnvBoolOrDefault("CONTROLLER_PORT_AUTO_FALLBACK", true),
		PortCandidates:   getEnvList("CONTROLLER_PORT_CANDIDATES", []string{"127.0.0.1:8190", "127.0.0.1:8191", "127.0.0.1:8192"}),

		CommandTimeoutMS:     getEnvIntOrDefault("CONTROLLER_COMMAND_TIMEOUT_MS", 5000),
		ReloadOnApply:        getEnvBoolOrDefault("CONTROLLER_RELOAD_ON_APPLY", true),
		ApplyDefaultTimezone: getEnvBoolOrDefault("CONTROLLER_APPLY_DEFAULT_TIMEZONE", false),

		LogLevel:   strings.ToLower(getEnvOrDefault("CONTROLLER_LOG_LEVEL", "info")),
		LogFile:    getEnvOrDefault("CONTROLLER_LOG_FILE", "logs/tz_controller.log"),
		JournalDir: strings.TrimSpace(os.Getenv("CONTROLLER_JOURNAL_DIR")),

		PrefsFile: getEnvOrDefault("PREFS_FILE", "./tz_prefs.yaml"),

		BrowserLaunch:     getEnvBoolOrDefault("BROWSER_LAUNCH", false),
		BrowserProfileDir: getEnvOrDefault("BROWSER_PROFILE_DIR", "./browser_profile"),
		BrowserStartURL:   getEnvOrDefault("BROWSER_START_URL", "about:blank"),
	}
	if cfg.CommandTimeoutMS < minCommandTimeoutMS {
		cfg.CommandTimeoutMS = minCommandTimeoutMS
	}
	if cfg.CDPPort <= 0 || cfg.CDPPort > 65535 {
		return nil, fmt.Errorf("CHROMIUM_CDP_PORT out of range: %d", cfg.CDPPort)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("CONTROLLER_LOG_LEVEL must be debug, info, warn or error; got %q", cfg.LogLevel)
	}
	return cfg, nil
}

// ControllerCDPURL returns the CDP HTTP endpoint.
func (c *ControllerConfig) ControllerCDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *ControllerConfig) CommandTimeout() time.Duration {
	return millis(c.CommandTimeoutMS)
}
