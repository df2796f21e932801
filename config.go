package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// PrinterConfig is the printer address and login
type PrinterConfig struct {
	IP         string `json:"ip" yaml:"ip"`
	Serial     string `json:"serial" yaml:"serial"`
	AccessCode string `json:"access_code" yaml:"access_code"`
	Name       string `json:"name" yaml:"name"`
}

// TagConfig configures the tag reader
type TagConfig struct {
	ScanTimeout int    `json:"scan_timeout" yaml:"timeout"`
	Device      string `json:"device,omitempty" yaml:"device"`
}

// Config holds all configuration for the application
type Config struct {
	Printer          PrinterConfig
	Tag              TagConfig
	WebPort          string
	LogLevel         string
	DBFile           string
	AutoAssignOnLoad bool
}

// fileConfig mirrors the YAML config file. Absent values keep what the store set.
type fileConfig struct {
	Printer struct {
		IP         *string `yaml:"ip"`
		Serial     *string `yaml:"serial"`
		AccessCode *string `yaml:"access_code"`
		Name       *string `yaml:"name"`
	} `yaml:"printer"`
	Tag struct {
		Timeout *int    `yaml:"timeout"`
		Device  *string `yaml:"device"`
	} `yaml:"tag"`
	Web struct {
		Port *int `yaml:"port"`
	} `yaml:"web"`
	Log struct {
		Level *string `yaml:"level"`
	} `yaml:"log"`
	AutoAssignOnLoad *bool `yaml:"auto_assign_on_load"`
}

// ScanTimeout is the tag presence window
func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.Tag.ScanTimeout) * time.Second
}

// MissingPrinterLogin reports whether the printer cannot be contacted for lack of a
// serial or access code
func (c *Config) MissingPrinterLogin() bool {
	return c.Printer.Serial == "" || c.Printer.AccessCode == ""
}

// PrinterName returns the configured or discovered printer name
func (c *Config) PrinterName() string {
	if c.Printer.Name == "" {
		return DefaultPrinterName
	}
	return c.Printer.Name
}

func defaultConfig() *Config {
	return &Config{
		Tag: TagConfig{
			ScanTimeout: DefaultTagScanTimeout,
			Device:      DefaultTagBus,
		},
		WebPort:  DefaultWebPort,
		LogLevel: DefaultLogLevel,
		DBFile:   getDBFilePath(),
	}
}

// loadDotEnv loads a .env file from the working directory when there is one
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to load .env file: %v", err)
	}
}

// LoadConfig merges defaults, stored settings, the YAML file at path and the
// environment, in that order
func LoadConfig(store *Store, path string) (*Config, error) {
	config := defaultConfig()

	if store != nil {
		if err := applyStoredConfig(config, store); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := applyConfigFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvConfig(config); err != nil {
		return nil, err
	}

	if config.Printer.IP != "" {
		if err := validateIPAddress(config.Printer.IP); err != nil {
			return nil, fmt.Errorf("invalid printer ip: %w", err)
		}
	}
	if config.Tag.ScanTimeout <= 0 {
		return nil, fmt.Errorf("invalid tag scan timeout %d", config.Tag.ScanTimeout)
	}
	return config, nil
}

func applyStoredConfig(config *Config, store *Store) error {
	var printer PrinterConfig
	if _, err := store.GetConfigJSON(ConfigKeyPrinter, &printer); err != nil {
		return fmt.Errorf("failed to load printer settings: %w", err)
	}
	mergePrinterConfig(&config.Printer, printer)

	var tag TagConfig
	if ok, err := store.GetConfigJSON(ConfigKeyTag, &tag); err != nil {
		return fmt.Errorf("failed to load tag settings: %w", err)
	} else if ok && tag.ScanTimeout > 0 {
		config.Tag.ScanTimeout = tag.ScanTimeout
	}

	if value, err := store.GetConfigValue(ConfigKeyAutoAssignOnLoad); err == nil {
		if parsed, err := strconv.ParseBool(value); err == nil {
			config.AutoAssignOnLoad = parsed
		}
	}
	return nil
}

func mergePrinterConfig(dst *PrinterConfig, src PrinterConfig) {
	if src.IP != "" {
		dst.IP = src.IP
	}
	if src.Serial != "" {
		dst.Serial = src.Serial
	}
	if src.AccessCode != "" {
		dst.AccessCode = src.AccessCode
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
}

func applyConfigFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debugf("No config file at %s", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	setString(&config.Printer.IP, file.Printer.IP)
	setString(&config.Printer.Serial, file.Printer.Serial)
	setString(&config.Printer.AccessCode, file.Printer.AccessCode)
	setString(&config.Printer.Name, file.Printer.Name)
	setString(&config.Tag.Device, file.Tag.Device)
	setString(&config.LogLevel, file.Log.Level)
	if file.Tag.Timeout != nil {
		config.Tag.ScanTimeout = *file.Tag.Timeout
	}
	if file.Web.Port != nil {
		config.WebPort = strconv.Itoa(*file.Web.Port)
	}
	if file.AutoAssignOnLoad != nil {
		config.AutoAssignOnLoad = *file.AutoAssignOnLoad
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func applyEnvConfig(config *Config) error {
	envStrings := map[string]*string{
		"SPOOLBRIDGE_PRINTER_IP":          &config.Printer.IP,
		"SPOOLBRIDGE_PRINTER_SERIAL":      &config.Printer.Serial,
		"SPOOLBRIDGE_PRINTER_ACCESS_CODE": &config.Printer.AccessCode,
		"SPOOLBRIDGE_PRINTER_NAME":        &config.Printer.Name,
		"SPOOLBRIDGE_TAG_DEVICE":          &config.Tag.Device,
		"SPOOLBRIDGE_LOG_LEVEL":           &config.LogLevel,
	}
	for key, dst := range envStrings {
		if value, ok := os.LookupEnv(key); ok {
			*dst = value
		}
	}

	if value, ok := os.LookupEnv("SPOOLBRIDGE_WEB_PORT"); ok {
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("invalid SPOOLBRIDGE_WEB_PORT %q: %w", value, err)
		}
		config.WebPort = value
	}
	return nil
}

// getDBFilePath returns the database file path, checking environment variable first
func getDBFilePath() string {
	if dbPath := os.Getenv("SPOOLBRIDGE_DB_PATH"); dbPath != "" {
		return filepath.Join(dbPath, DefaultDBFileName)
	}
	return DefaultDBFileName
}

var (
	hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
	numericLabel  = regexp.MustCompile(`^[0-9]+$`)
	serialPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// validateIPAddress accepts an IPv4 address or a hostname
func validateIPAddress(addr string) error {
	if addr == "" {
		return errors.New("address is empty")
	}
	if len(addr) > 253 {
		return errors.New("address is too long")
	}
	if ip := net.ParseIP(addr); ip != nil {
		if ip.To4() == nil {
			return fmt.Errorf("%s is not an IPv4 address", addr)
		}
		return nil
	}

	labels := strings.Split(addr, ".")
	if numericLabel.MatchString(labels[0]) {
		return fmt.Errorf("%s is not a valid IPv4 address", addr)
	}
	for _, label := range labels {
		if !hostnameLabel.MatchString(label) {
			return fmt.Errorf("%s is not a valid hostname", addr)
		}
	}
	return nil
}

// validatePrinterConfig checks printer settings submitted through the API. An empty IP
// is allowed and means the printer is discovered on the network.
func validatePrinterConfig(p PrinterConfig) error {
	if p.IP != "" {
		if err := validateIPAddress(p.IP); err != nil {
			return fmt.Errorf("invalid printer ip: %w", err)
		}
	}
	if !serialPattern.MatchString(p.Serial) {
		return errors.New("printer serial must be non-empty and alphanumeric")
	}
	if strings.TrimSpace(p.AccessCode) == "" {
		return errors.New("printer access code is required")
	}
	return nil
}
