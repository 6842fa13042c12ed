package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration shared with the admin surface.
type Config struct {
	PrimaryGateway     string        `yaml:"primary_gateway" json:"primary_gateway"`
	PrimaryInterface   string        `yaml:"primary_interface" json:"primary_interface"`
	SecondaryInterface string        `yaml:"secondary_interface" json:"secondary_interface"`
	TargetHost         string        `yaml:"target_host" json:"target_host"`
	CheckInterval      time.Duration `yaml:"check_interval" json:"check_interval"`
	SecondaryBackoff   time.Duration `yaml:"secondary_retry_backoff" json:"secondary_retry_backoff"`
	FailureThreshold   int           `yaml:"failure_threshold" json:"failure_threshold"`
	RouteMetric        int           `yaml:"route_metric" json:"route_metric"`
	QuiesceInterfaces  []string      `yaml:"quiesce_interfaces" json:"quiesce_interfaces"`
	LinkUpCommand      []string      `yaml:"link_up_command" json:"link_up_command"`
	LinkUpTimeout      time.Duration `yaml:"link_up_timeout" json:"link_up_timeout"`
	SerialPort         string        `yaml:"serial_port" json:"serial_port"`
	BaudRate           int           `yaml:"baud_rate" json:"baud_rate"`
	SIMPin             string        `yaml:"sim_pin" json:"-"`
	Recipients         []string      `yaml:"recipients" json:"recipients"`
	SMSPhone           string        `yaml:"sms_phone" json:"sms_phone,omitempty"`
	HistoryCapacity    int           `yaml:"history_capacity" json:"history_capacity"`
	JournalCapacity    int           `yaml:"journal_capacity" json:"journal_capacity"`
	NotifyOnStartup    bool          `yaml:"notify_on_startup" json:"notify_on_startup"`
	Probe              Probe         `yaml:"probe" json:"probe"`
	Modem              Modem         `yaml:"modem" json:"modem"`
}

// Probe tunes the reachability checks of both uplinks.
type Probe struct {
	GatewayAttempts  int           `yaml:"gateway_attempts" json:"gateway_attempts"`
	GatewayTimeout   time.Duration `yaml:"gateway_timeout" json:"gateway_timeout"`
	InternetAttempts int           `yaml:"internet_attempts" json:"internet_attempts"`
	InternetTimeout  time.Duration `yaml:"internet_timeout" json:"internet_timeout"`
}

// Modem holds the AT exchange deadlines.
type Modem struct {
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
	PINTimeout     time.Duration `yaml:"pin_timeout" json:"pin_timeout"`
	PromptTimeout  time.Duration `yaml:"prompt_timeout" json:"prompt_timeout"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout" json:"submit_timeout"`
}

// DefaultConfig returns the values used for anything the file leaves out.
func DefaultConfig() Config {
	return Config{
		PrimaryGateway:     "192.168.0.254",
		PrimaryInterface:   "eth0",
		SecondaryInterface: "wwan0",
		TargetHost:         "8.8.8.8",
		CheckInterval:      60 * time.Second,
		SecondaryBackoff:   90 * time.Second,
		FailureThreshold:   1,
		RouteMetric:        100,
		LinkUpCommand:      []string{"/usr/local/sbin/connect_4g.sh"},
		LinkUpTimeout:      120 * time.Second,
		SerialPort:         "/dev/ttyUSB3",
		BaudRate:           115200,
		HistoryCapacity:    1000,
		JournalCapacity:    1000,
		Probe: Probe{
			GatewayAttempts:  1,
			GatewayTimeout:   1 * time.Second,
			InternetAttempts: 2,
			InternetTimeout:  2 * time.Second,
		},
		Modem: Modem{
			CommandTimeout: 2 * time.Second,
			PINTimeout:     15 * time.Second,
			PromptTimeout:  5 * time.Second,
			SubmitTimeout:  60 * time.Second,
		},
	}
}

// Load reads configuration from a yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(content)
}

// Parse decodes yaml content on top of the defaults and validates the result.
func Parse(content []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyFallbacks()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	def := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.SecondaryBackoff < 0 {
		c.SecondaryBackoff = def.SecondaryBackoff
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 1
	}
	if c.RouteMetric < 0 {
		c.RouteMetric = def.RouteMetric
	}
	if c.LinkUpTimeout <= 0 {
		c.LinkUpTimeout = def.LinkUpTimeout
	}
	if c.BaudRate <= 0 {
		c.BaudRate = def.BaudRate
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = def.HistoryCapacity
	}
	if c.JournalCapacity <= 0 {
		c.JournalCapacity = def.JournalCapacity
	}
	if c.TargetHost == "" {
		c.TargetHost = def.TargetHost
	}
	if c.Probe.GatewayAttempts <= 0 {
		c.Probe.GatewayAttempts = def.Probe.GatewayAttempts
	}
	if c.Probe.GatewayTimeout <= 0 {
		c.Probe.GatewayTimeout = def.Probe.GatewayTimeout
	}
	if c.Probe.InternetAttempts <= 0 {
		c.Probe.InternetAttempts = def.Probe.InternetAttempts
	}
	if c.Probe.InternetTimeout <= 0 {
		c.Probe.InternetTimeout = def.Probe.InternetTimeout
	}
	if c.Modem.CommandTimeout <= 0 {
		c.Modem.CommandTimeout = def.Modem.CommandTimeout
	}
	if c.Modem.PINTimeout <= 0 {
		c.Modem.PINTimeout = def.Modem.PINTimeout
	}
	if c.Modem.PromptTimeout <= 0 {
		c.Modem.PromptTimeout = def.Modem.PromptTimeout
	}
	if c.Modem.SubmitTimeout <= 0 {
		c.Modem.SubmitTimeout = def.Modem.SubmitTimeout
	}
}

// Validate rejects configurations the controller cannot act on.
func (c Config) Validate() error {
	if net.ParseIP(c.PrimaryGateway).To4() == nil {
		return fmt.Errorf("primary_gateway %q is not an IPv4 address", c.PrimaryGateway)
	}
	if c.PrimaryInterface == "" || c.SecondaryInterface == "" {
		return errors.New("primary_interface and secondary_interface are required")
	}
	if c.PrimaryInterface == c.SecondaryInterface {
		return fmt.Errorf("primary and secondary interface are both %q", c.PrimaryInterface)
	}
	for _, r := range c.Recipients {
		if strings.TrimSpace(r) == "" {
			return errors.New("recipients must not contain empty numbers")
		}
	}
	return nil
}

// RecipientList returns the numbers a notification goes to. The legacy
// single sms_phone field is used when no list is configured.
func (c Config) RecipientList() []string {
	if len(c.Recipients) > 0 {
		out := make([]string, len(c.Recipients))
		for i, r := range c.Recipients {
			out[i] = strings.TrimSpace(r)
		}
		return out
	}
	if phone := strings.TrimSpace(c.SMSPhone); phone != "" {
		return []string{phone}
	}
	return nil
}
