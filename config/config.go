// Package config loads the YAML configuration of the dkimctl tool: signing
// identities, verifier limits, resolver settings and logging.
package config

import (
	"crypto"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/synqronlabs/raven-dkim/dkim"
	"github.com/synqronlabs/raven-dkim/dns"
)

var (
	ErrMissingFields    = errors.New("config: DKIM signing block is missing fields")
	ErrDuplicateSigning = errors.New("config: duplicate domain/selector pair")
	ErrBadLogLevel      = errors.New("config: unknown log level")
	ErrBadLogFormat     = errors.New("config: unknown log format")
)

// Config is the top-level configuration file.
type Config struct {
	Filename string `yaml:"-"`

	Signing  []SigningConfig `yaml:"signing"`
	Verify   VerifyConfig    `yaml:"verify"`
	Resolver ResolverConfig  `yaml:"resolver"`
	Log      LogConfig       `yaml:"log"`
}

// SigningConfig describes one signing identity.
type SigningConfig struct {
	Domain           string
	Selector         string
	KeyFile          string        `yaml:"key-file"`
	Headers          []string      `yaml:"headers"`
	Canonicalization string        `yaml:"canonicalization"`
	Identity         string        `yaml:"identity"`
	Expiration       time.Duration `yaml:"expiration"`
	Oversign         bool          `yaml:"oversign"`
	BodyLength       bool          `yaml:"body-length"`
	CopyHeaders      bool          `yaml:"copy-headers"`

	key         crypto.Signer
	headerCanon dkim.Canonicalization
	bodyCanon   dkim.Canonicalization
}

// Postprocess validates the block and loads its key file.
func (s *SigningConfig) Postprocess() (err error) {
	if s.Domain == "" || s.Selector == "" || s.KeyFile == "" {
		return ErrMissingFields
	}
	if s.headerCanon, s.bodyCanon, err = parseCanonicalization(s.Canonicalization); err != nil {
		return err
	}
	if len(s.Headers) == 0 {
		s.Headers = dkim.DefaultSignedHeaders
	}
	s.key, err = LoadPrivateKey(s.KeyFile)
	if err != nil {
		return fmt.Errorf("config: signing %s/%s: %w", s.Domain, s.Selector, err)
	}
	return nil
}

// parseCanonicalization reads "header/body"; a single value applies to the
// header with simple body canonicalization, as in the c= tag. An empty value
// means relaxed/relaxed.
func parseCanonicalization(s string) (header, body dkim.Canonicalization, err error) {
	if s == "" {
		return dkim.CanonRelaxed, dkim.CanonRelaxed, nil
	}
	h, b, ok := strings.Cut(strings.ToLower(s), "/")
	if !ok {
		b = string(dkim.CanonSimple)
	}
	for _, c := range []string{h, b} {
		if c != string(dkim.CanonSimple) && c != string(dkim.CanonRelaxed) {
			return "", "", fmt.Errorf("config: canonicalization %q: %w", s, dkim.ErrCanonicalizationUnknown)
		}
	}
	return dkim.Canonicalization(h), dkim.Canonicalization(b), nil
}

// Key returns the loaded private key. Postprocess must have succeeded.
func (s *SigningConfig) Key() crypto.Signer {
	return s.key
}

// Signer builds the dkim.Signer for this identity.
func (s *SigningConfig) Signer() *dkim.Signer {
	return &dkim.Signer{
		Domain:                 s.Domain,
		Selector:               s.Selector,
		PrivateKey:             s.key,
		Headers:                s.Headers,
		HeaderCanonicalization: s.headerCanon,
		BodyCanonicalization:   s.bodyCanon,
		Identity:               s.Identity,
		Expiration:             s.Expiration,
		BodyLength:             s.BodyLength,
		OversignHeaders:        s.Oversign,
		CopyHeaders:            s.CopyHeaders,
	}
}

// VerifyConfig holds the verifier limits. Zero values keep the dkim package
// defaults.
type VerifyConfig struct {
	Hostname       string        `yaml:"hostname"`
	MinRSAKeyBits  int           `yaml:"min-rsa-key-bits"`
	ClockSkew      time.Duration `yaml:"clock-skew"`
	MaxSignatures  int           `yaml:"max-signatures"`
	Concurrency    int           `yaml:"concurrency"`
	IgnoreTestMode bool          `yaml:"ignore-test-mode"`
}

// Verifier builds a dkim.Verifier using resolver and logger.
func (v VerifyConfig) Verifier(resolver dns.Resolver, logger *slog.Logger) *dkim.Verifier {
	return &dkim.Verifier{
		Resolver:       resolver,
		Logger:         logger,
		IgnoreTestMode: v.IgnoreTestMode,
		MinRSAKeyBits:  v.MinRSAKeyBits,
		ClockSkew:      v.ClockSkew,
		MaxSignatures:  v.MaxSignatures,
		Concurrency:    v.Concurrency,
	}
}

// ResolverConfig selects and tunes the DNS resolver.
type ResolverConfig struct {
	// System uses the operating system resolver instead of querying
	// Nameservers directly.
	System      bool          `yaml:"system"`
	Nameservers []string      `yaml:"nameservers"`
	DNSSEC      bool          `yaml:"dnssec"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	Cache       CacheConfig   `yaml:"cache"`
}

// CacheConfig enables the key record cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	MaxEntries   int           `yaml:"max-entries"`
	MinTTL       time.Duration `yaml:"min-ttl"`
	MaxTTL       time.Duration `yaml:"max-ttl"`
	NegativeTTL  time.Duration `yaml:"negative-ttl"`
	SnapshotFile string        `yaml:"snapshot-file"`
}

// NewResolver builds the configured resolver. When the cache is enabled the
// returned *dns.CachingResolver is also returned separately so the caller
// can save snapshots; it is nil otherwise.
func (r ResolverConfig) NewResolver() (dns.Resolver, *dns.CachingResolver, error) {
	var upstream dns.Resolver
	if r.System {
		upstream = dns.NewStdResolver()
	} else {
		upstream = dns.NewResolver(dns.ResolverConfig{
			Nameservers: r.Nameservers,
			DNSSEC:      r.DNSSEC,
			Timeout:     r.Timeout,
			Retries:     r.Retries,
		})
	}
	if !r.Cache.Enabled {
		return upstream, nil, nil
	}

	cache := dns.NewCachingResolver(upstream, dns.CacheConfig{
		MinTTL:      r.Cache.MinTTL,
		MaxTTL:      r.Cache.MaxTTL,
		NegativeTTL: r.Cache.NegativeTTL,
		MaxEntries:  r.Cache.MaxEntries,
	})
	if r.Cache.SnapshotFile != "" {
		data, err := os.ReadFile(r.Cache.SnapshotFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, nil, err
		default:
			if err := cache.Restore(data); err != nil {
				return nil, nil, err
			}
		}
	}
	return cache, cache, nil
}

// SaveSnapshot writes the cache contents to the snapshot file, if one is
// configured.
func (r ResolverConfig) SaveSnapshot(cache *dns.CachingResolver) error {
	if cache == nil || r.Cache.SnapshotFile == "" {
		return nil
	}
	data, err := cache.Snapshot()
	if err != nil {
		return err
	}
	return os.WriteFile(r.Cache.SnapshotFile, data, 0o600)
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Logger builds a logger writing to w.
func (l LogConfig) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadLogLevel, l.Level)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadLogFormat, l.Format)
	}
}

// LoadConfig loads the given YAML configuration file.
func LoadConfig(filename string) (config *Config, err error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config, err = Parse(data)
	if err != nil {
		return nil, err
	}
	config.Filename = filename
	return config, nil
}

// Parse decodes and validates a configuration. Key files are loaded
// relative to the working directory.
func Parse(data []byte) (config *Config, err error) {
	if err = yaml.UnmarshalStrict(data, &config); err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}

	seen := make(map[string]bool)
	for i := range config.Signing {
		s := &config.Signing[i]
		if err := s.Postprocess(); err != nil {
			return nil, err
		}
		id := strings.ToLower(s.Selector + "._domainkey." + s.Domain)
		if seen[id] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSigning, id)
		}
		seen[id] = true
	}

	if _, err := config.Log.Logger(io.Discard); err != nil {
		return nil, err
	}
	return config, nil
}

// SignerFor returns the signing identity for domain, or nil.
func (conf *Config) SignerFor(domain string) *SigningConfig {
	for i := range conf.Signing {
		if strings.EqualFold(conf.Signing[i].Domain, domain) {
			return &conf.Signing[i]
		}
	}
	return nil
}
