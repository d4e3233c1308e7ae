package config

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config type
type Config struct {
	Version         string
	Bind            string   `validate:"required,addr"`
	BindTLS         string   `validate:"omitempty,addr"`
	BindDOH         string   `validate:"omitempty,addr"`
	BindDOQ         string   `validate:"omitempty,addr"`
	TLSCertificate  string   `validate:"required_with=BindTLS BindDOH BindDOQ"`
	TLSPrivateKey   string   `validate:"required_with=BindTLS BindDOH BindDOQ"`
	API             string   `validate:"omitempty,addr"`
	LogLevel        string   `validate:"omitempty,oneof=debug info warn error"`
	AccessLog       string
	AccessList      []string `validate:"dive,cidr"`
	ClientRateLimit int      `validate:"gte=0"`
	CookieSecret    string
	Chaos           bool
	Recursion       bool
	RootServers     []string `validate:"dive,addr"`
	Timeout         Duration
	MaxDepth        int `validate:"gte=0"`
	CacheSize       int `validate:"gte=0"`
	ChaseLimit      int `validate:"gte=0"`
	Journal         string
	TTLPolicy       string `validate:"omitempty,oneof=normalize reject"`
	RefreshInterval Duration

	Redis Redis
	Zones []Zone `validate:"dive"`

	sVersion string
}

// Redis configures the zone change feed.
type Redis struct {
	Addr     string `validate:"omitempty,addr"`
	Password string
	DB       int `validate:"gte=0"`
	Channel  string
}

// Zone is one [[zones]] table.
type Zone struct {
	Zone        string   `toml:"zone" validate:"required,dnsname"`
	ZoneType    string   `toml:"zone_type" validate:"required,oneof=primary secondary forward hint"`
	File        string   `toml:"file" validate:"required_if=ZoneType primary,required_if=ZoneType hint"`
	Primaries   []string `toml:"primaries" validate:"required_if=ZoneType secondary,dive,addr"`
	AllowUpdate bool     `toml:"allow_update"`
	UpdateACL   []string `toml:"update_acl" validate:"dive,cidr"`
	AllowAXFR   bool     `toml:"allow_axfr"`
	Watch       bool     `toml:"watch"`

	DNSSEC *DNSSEC `toml:"dnssec"`
	Stores *Stores `toml:"stores" validate:"required_if=ZoneType forward"`
}

// DNSSEC configures online signing of a primary zone.
type DNSSEC struct {
	Keys            []string `toml:"keys" validate:"min=1"`
	Validity        Duration `toml:"validity"`
	Skew            Duration `toml:"skew"`
	Refresh         Duration `toml:"refresh"`
	NSEC3           bool     `toml:"nsec3"`
	NSEC3Iterations uint16   `toml:"nsec3_iterations" validate:"lte=500"`
	NSEC3Salt       string   `toml:"nsec3_salt" validate:"omitempty,hexadecimal"`
	DualSign        bool     `toml:"dual_sign"`
}

// Stores lists the upstreams of a forward zone.
type Stores struct {
	Type        string       `toml:"type" validate:"eq=forward"`
	NameServers []NameServer `toml:"name_servers" validate:"min=1,dive"`
}

// NameServer is an upstream of a forward zone.
type NameServer struct {
	SocketAddr             string `toml:"socket_addr" validate:"required,addr"`
	Protocol               string `toml:"protocol" validate:"omitempty,oneof=udp tcp tcp-tls"`
	TrustNegativeResponses bool   `toml:"trust_negative_responses"`
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText for duration type
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS server
bind = ":53"

# Address to bind to for the DNS-over-TLS server
# bindtls = ":853"

# Address to bind to for the DNS-over-HTTPS server
# binddoh = ":8053"

# Address to bind to for the DNS-over-QUIC server
# binddoq = ":853"

# TLS certificate file
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# Address to bind to for the http API server, left blank for disabled
api = "127.0.0.1:8080"

# What kind of information should be logged, Log verbosity level [debug,info,warn,error]
loglevel = "info"

# Query log file in common log format, left blank for disabled
accesslog = ""

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# Enable to answer version.server, version.bind, hostname.bind, id.server chaos queries.
chaos = true

# Resolve names outside every zone for clients asking for recursion
recursion = false

# Root zone servers, used when no hint zone is configured
rootservers = [
"198.41.0.4:53",
"170.247.170.2:53",
"192.33.4.12:53",
"199.7.91.13:53",
"192.203.230.10:53",
"192.5.5.241:53",
"192.112.36.4:53",
"198.97.190.53:53",
"192.36.148.17:53",
"192.58.128.30:53",
"193.0.14.129:53",
"199.7.83.42:53",
"202.12.27.33:53"
]

# Network timeout for each dns lookups in duration
timeout = "3s"

# Maximum iteration depth for a query
maxdepth = 30

# Cache size (total records in cache)
cachesize = 256000

# Maximum number of CNAMEs followed inside a zone
chaselimit = 8

# Update journal database, left blank for disabled
journal = ""

# What to do with an update record whose TTL differs from its RRset [normalize,reject]
ttlpolicy = "normalize"

# How often signed zones are checked for expiring signatures
refreshinterval = "1h"

# Zone change feed, left blank addr for disabled
[redis]
addr = ""
password = ""
db = 0
channel = "adns:zone-changes"

# Zones served by this server.
# zone_type is one of primary, secondary, forward, hint.
#
# [[zones]]
# zone = "example.com."
# zone_type = "primary"
# file = "zones/example.com.zone"
# allow_update = true
# update_acl = ["10.0.0.0/8"]
# allow_axfr = false
# watch = true
#   [zones.dnssec]
#   keys = ["keys/Kexample.com.+013+12345"]
#   validity = "720h"
#   skew = "1h"
#   refresh = "168h"
#
# [[zones]]
# zone = "example.net."
# zone_type = "secondary"
# primaries = ["192.0.2.53:53"]
#
# [[zones]]
# zone = "corp."
# zone_type = "forward"
#   [zones.stores]
#   type = "forward"
#   [[zones.stores.name_servers]]
#   socket_addr = "10.0.0.53:53"
#   protocol = "udp"
#   trust_negative_responses = true
`

// Load loads the given config file
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) && filepath.Base(cfgfile) == "adns.conf" {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	if config.CookieSecret == "" {
		var v uint64

		err := binary.Read(rand.Reader, binary.BigEndian, &v)
		if err != nil {
			return nil, err
		}

		config.CookieSecret = fmt.Sprintf("%16x", v)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// relative zone and key paths follow the config file
	config.resolvePaths(filepath.Dir(cfgfile))

	return config, nil
}

// validAddr accepts host:port with an optional host, IPv6 in brackets.
func validAddr(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p <= 65535
}

func validName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	_, ok := dns.IsDomainName(name)
	return ok && dns.IsFqdn(name)
}

var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("addr", validAddr); err != nil {
		return err
	}
	return v.RegisterValidation("dnsname", validName)
}

// Validate checks the structure of the config.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return err
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	seen := make(map[string]bool, len(c.Zones))
	for _, z := range c.Zones {
		name := dns.CanonicalName(z.Zone)
		if seen[name] {
			return fmt.Errorf("%w: zone %s configured twice", ErrInvalid, name)
		}
		seen[name] = true

		if z.DNSSEC != nil && z.ZoneType != "primary" {
			return fmt.Errorf("%w: zone %s: dnssec needs a primary zone", ErrInvalid, name)
		}
		if z.AllowUpdate && z.ZoneType != "primary" {
			return fmt.Errorf("%w: zone %s: updates need a primary zone", ErrInvalid, name)
		}
	}

	return nil
}

func (c *Config) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	c.Journal = abs(c.Journal)
	for i := range c.Zones {
		z := &c.Zones[i]
		z.File = abs(z.File)
		if z.DNSSEC != nil {
			for j := range z.DNSSEC.Keys {
				z.DNSSEC.Keys[j] = abs(z.DNSSEC.Keys[j])
			}
		}
	}
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
