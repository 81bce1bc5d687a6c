package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/configor"
	"github.com/pkg/errors"
	"golang.org/x/net/idna"

	"gitlab.esta.spb.ru/arseny/whois/internal/whois"
)

const (
	DefaultServer = "whois.iana.org"
	DefaultPort   = "43"
	DefaultFamily = "ipv4"

	envPrefix = "WHOIS"
)

type Config struct {
	Log     Log     `yaml:"log"`
	Graylog Graylog `yaml:"graylog"`
	Query   Query   `yaml:"query"`
}

type Log struct {
	DebugLvl      bool   `yaml:"debugLvl"`
	DisableColor  bool   `yaml:"disableColor"`
	EnableFileLog bool   `yaml:"enableFileLog"`
	NameLogFile   string `yaml:"nameLogFile"`
}

// Graylog hook is enabled only when Host is set.
type Graylog struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Platform string `yaml:"platform"`
}

type Query struct {
	Server     string        `yaml:"server"`
	Port       string        `yaml:"port"`
	Family     string        `yaml:"family"`
	Verbose    bool          `yaml:"verbose"`
	Nameserver string        `yaml:"nameserver"`
	Timeout    time.Duration `yaml:"timeout"`
}

// UsageError is a malformed invocation, detected before any network activity.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func Default() Config {
	return Config{
		Graylog: Graylog{Port: 12201},
		Query: Query{
			Server: DefaultServer,
			Port:   DefaultPort,
			Family: DefaultFamily,
		},
	}
}

// Load returns the defaults overlaid with the given YAML files and WHOIS_* environment variables.
func Load(files ...string) (Config, error) {
	for _, filename := range files {
		if _, err := os.Stat(filename); err != nil {
			return Config{}, errors.WithMessage(err, "failed to stat config file")
		}
	}

	config := Default()
	if err := configor.New(&configor.Config{ENVPrefix: envPrefix}).Load(&config, files...); err != nil {
		return Config{}, errors.WithMessage(err, "failed to load config")
	}

	return config, nil
}

// Request validates q and builds the request for query text.
func (q Query) Request(text string) (whois.Request, error) {
	if _, err := ParsePort(q.Port); err != nil {
		return whois.Request{}, err
	}

	family, err := whois.ParseFamily(q.Family)
	if err != nil {
		return whois.Request{}, &UsageError{Msg: err.Error()}
	}

	server, err := NormalizeServer(q.Server)
	if err != nil {
		return whois.Request{}, err
	}

	if text == "" {
		return whois.Request{}, &UsageError{Msg: "TLD not specified"}
	}

	return whois.Request{Server: server, Port: q.Port, Family: family, Query: text}, nil
}

// ParsePort accepts only all-digit strings denoting a value in [1, 65535].
func ParsePort(port string) (uint16, error) {
	invalid := &UsageError{Msg: "invalid port " + port}
	if port == "" {
		return 0, invalid
	}
	for _, r := range port {
		if r < '0' || r > '9' {
			return 0, invalid
		}
	}

	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return 0, invalid
	}

	return uint16(n), nil
}

// StripScheme drops everything up to and including the first "//" and any
// slashes right after it, so a pasted URL queries only its host part.
// super://example.com --> example.com
func StripScheme(text string) (string, bool) {
	i := strings.Index(text, "//")
	if i < 0 {
		return text, false
	}
	return strings.TrimLeft(text[i+2:], "/"), true
}

// NormalizeServer validates the server hostname and returns its ASCII form.
// IP literals are returned as is.
func NormalizeServer(server string) (string, error) {
	if server == "" {
		return "", &UsageError{Msg: "server not specified"}
	}
	if net.ParseIP(server) != nil {
		return server, nil
	}

	p := idna.New(
		idna.MapForLookup(),
		idna.Transitional(true),
		idna.StrictDomainName(true))

	ascii, err := p.ToASCII(server)
	if err != nil {
		return "", &UsageError{Msg: "invalid server " + server}
	}

	return ascii, nil
}
