package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.New("invalid duration")
	}
}

type Configuration struct {
	Workers       int              `json:"workers" validate:"min=1,max=64"`
	FetchInterval Duration         `json:"fetchInterval"`
	BatchSize     int              `json:"batchSize" validate:"min=1"`
	MaxReportSize int64            `json:"maxReportSize" validate:"min=0"`
	Duplicates    string           `json:"duplicates" validate:"oneof=drop forward"`
	ForensicDedup string           `json:"forensicDedup" validate:"oneof=fingerprint off"`
	Dedup         DedupConfig      `json:"dedup"`
	State         StateConfig      `json:"state"`
	DeadLetter    DeadLetterConfig `json:"deadLetter"`
	DNS           DNSConfig        `json:"dns"`
	Mailboxes     []MailboxConfig  `json:"mailboxes" validate:"required,min=1,unique=Name,dive"`
	Sinks         []SinkConfig     `json:"sinks" validate:"required,min=1,unique=Name,dive"`
	Retry         RetryConfig      `json:"retry"`
	Metrics       MetricsConfig    `json:"metrics"`
}

type DedupConfig struct {
	// Backend defaults to the state backend when that is a database,
	// memory otherwise.
	Backend    string   `json:"backend" validate:"oneof=memory redis sqlite postgres"`
	Retention  Duration `json:"retention"`
	Lease      Duration `json:"lease"`
	MaxEntries int      `json:"maxEntries" validate:"min=0"`
	RedisURL   string   `json:"redisURL" validate:"required_if=Backend redis"`
	// DSN defaults to state.dsn when both use the same backend
	DSN string `json:"dsn"`
}

type StateConfig struct {
	Backend string `json:"backend" validate:"oneof=memory sqlite postgres"`
	DSN     string `json:"dsn" validate:"required_unless=Backend memory"`
}

type DeadLetterConfig struct {
	Backend string `json:"backend" validate:"oneof=sqlite postgres file"`
	DSN     string `json:"dsn" validate:"required_unless=Backend file"`
	Path    string `json:"path" validate:"required_if=Backend file"`
}

type DNSConfig struct {
	Enabled      bool     `json:"enabled"`
	Servers      []string `json:"servers" validate:"dive,hostname_port"`
	Timeout      Duration `json:"timeout"`
	CacheTimeout Duration `json:"cacheTimeout"`
	ASN          bool     `json:"asn"`
}

type MailboxConfig struct {
	Name          string       `json:"name" validate:"required"`
	Type          string       `json:"type" validate:"oneof=imap graph dir"`
	Disposition   string       `json:"disposition" validate:"omitempty,oneof=none markRead move delete"`
	ArchiveFolder string       `json:"archiveFolder"`
	IMAP          *IMAPConfig  `json:"imap" validate:"required_if=Type imap"`
	Graph         *GraphConfig `json:"graph" validate:"required_if=Type graph"`
	Dir           *DirConfig   `json:"dir" validate:"required_if=Type dir"`
}

type IMAPConfig struct {
	Host       string   `json:"host" validate:"required,hostname_port"`
	SSL        bool     `json:"ssl"`
	User       string   `json:"user" validate:"required"`
	Pass       string   `json:"pass"`
	Folder     string   `json:"folder" validate:"required"`
	IgnoreCert bool     `json:"ignoreCert"`
	Timeout    Duration `json:"timeout"`
}

type GraphConfig struct {
	TenantID     string `json:"tenantID" validate:"required"`
	ClientID     string `json:"clientID" validate:"required"`
	ClientSecret string `json:"clientSecret" validate:"required"`
	User         string `json:"user" validate:"required"`
	Folder       string `json:"folder"`
	BaseURL      string `json:"baseURL" validate:"omitempty,url"`
	TokenURL     string `json:"tokenURL" validate:"omitempty,url"`
	// Timeout bounds every API call, including token requests
	Timeout Duration `json:"timeout"`
}

type DirConfig struct {
	Path string `json:"path" validate:"required"`
}

type SinkConfig struct {
	Name          string               `json:"name" validate:"required"`
	Type          string               `json:"type" validate:"oneof=syslog webhook elasticsearch redis file"`
	Timeout       Duration             `json:"timeout"`
	Syslog        *SyslogConfig        `json:"syslog" validate:"required_if=Type syslog"`
	Webhook       *WebhookConfig       `json:"webhook" validate:"required_if=Type webhook"`
	Elasticsearch *ElasticsearchConfig `json:"elasticsearch" validate:"required_if=Type elasticsearch"`
	Redis         *RedisSinkConfig     `json:"redis" validate:"required_if=Type redis"`
	File          *FileConfig          `json:"file" validate:"required_if=Type file"`
}

type SyslogConfig struct {
	Server        string `json:"server"`
	Protocol      string `json:"protocol" validate:"omitempty,oneof=tcp udp unix unixgram"`
	Tag           string `json:"tag"`
	Format        string `json:"format" validate:"omitempty,oneof=xml json"`
	EventID       string `json:"eventID"`
	EventCategory string `json:"eventCategory"`
}

type WebhookConfig struct {
	AggregateURL string            `json:"aggregateURL" validate:"omitempty,url"`
	ForensicURL  string            `json:"forensicURL" validate:"omitempty,url"`
	Headers      map[string]string `json:"headers"`
}

type ElasticsearchConfig struct {
	URL         string `json:"url" validate:"required,url"`
	IndexPrefix string `json:"indexPrefix"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

type RedisSinkConfig struct {
	URL   string `json:"url" validate:"required"`
	Queue string `json:"queue" validate:"required"`
}

type FileConfig struct {
	Path   string `json:"path" validate:"required"`
	Format string `json:"format" validate:"omitempty,oneof=jsonl csv"`
}

type RetryConfig struct {
	MaxAttempts    int      `json:"maxAttempts" validate:"min=1"`
	InitialBackoff Duration `json:"initialBackoff"`
	MaxBackoff     Duration `json:"maxBackoff"`
}

type MetricsConfig struct {
	Listen string `json:"listen" validate:"omitempty,hostname_port"`
}

// Default returns the settings used for everything the config file leaves
// out.
func Default() Configuration {
	return Configuration{
		Workers: 4,
		FetchInterval: Duration{
			Duration: 1 * time.Hour,
		},
		BatchSize:     30,
		MaxReportSize: 50 * 1024 * 1024,
		Duplicates:    "drop",
		ForensicDedup: "fingerprint",
		Dedup: DedupConfig{
			Retention:  Duration{Duration: 14 * 24 * time.Hour},
			Lease:      Duration{Duration: 10 * time.Minute},
			MaxEntries: 100_000,
		},
		State: StateConfig{
			Backend: "memory",
		},
		DeadLetter: DeadLetterConfig{
			Backend: "file",
			Path:    "dead_letters.jsonl",
		},
		DNS: DNSConfig{
			Timeout:      Duration{Duration: 10 * time.Second},
			CacheTimeout: Duration{Duration: 1 * time.Hour},
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: Duration{Duration: 1 * time.Second},
			MaxBackoff:     Duration{Duration: 1 * time.Minute},
		},
	}
}

// GetConfig reads f over defaults. The format is picked by the file
// extension (.json, .yaml, .yml or .toml). ${VAR} references are replaced
// with environment variables, $$ yields a literal dollar sign.
func GetConfig(defaults Configuration, f string) (*Configuration, error) {
	if f == "" {
		return nil, fmt.Errorf("please provide a valid config file")
	}

	b, err := os.ReadFile(f) // nolint: gosec
	if err != nil {
		return nil, err
	}
	b = []byte(os.Expand(string(b), expandEnv))

	switch ext := strings.ToLower(filepath.Ext(f)); ext {
	case ".json":
	case ".yaml", ".yml":
		var raw map[string]any
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("could not parse yaml: %w", err)
		}
		if b, err = json.Marshal(raw); err != nil {
			return nil, err
		}
	case ".toml":
		var raw map[string]any
		if err := toml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("could not parse toml: %w", err)
		}
		if b, err = json.Marshal(raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", ext)
	}

	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.DisallowUnknownFields()
	if err = decoder.Decode(&defaults); err != nil {
		return nil, err
	}
	defaults.Dedup.inherit(defaults.State)

	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	return &defaults, nil
}

// inherit fills the backend and dsn from the state settings so a
// persistent state also gets a persistent fingerprint table.
func (d *DedupConfig) inherit(state StateConfig) {
	isDatabase := state.Backend == "sqlite" || state.Backend == "postgres"
	if d.Backend == "" {
		d.Backend = "memory"
		if isDatabase {
			d.Backend = state.Backend
		}
	}
	if d.DSN == "" && d.Backend == state.Backend && isDatabase {
		d.DSN = state.DSN
	}
}

func expandEnv(name string) string {
	if name == "$" {
		return "$"
	}
	return os.Getenv(name)
}

// Validate checks the configuration and returns all problems at once.
func (c *Configuration) Validate() error {
	var result *multierror.Error

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		return name
	})
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			result = multierror.Append(result, fmt.Errorf("%s: failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}

	if c.FetchInterval.Duration <= 0 {
		result = multierror.Append(result, errors.New("fetchInterval must be positive"))
	}
	if c.Retry.MaxBackoff.Duration < c.Retry.InitialBackoff.Duration {
		result = multierror.Append(result, errors.New("retry.maxBackoff must not be smaller than retry.initialBackoff"))
	}
	if (c.Dedup.Backend == "sqlite" || c.Dedup.Backend == "postgres") && c.Dedup.DSN == "" {
		result = multierror.Append(result, fmt.Errorf("dedup.dsn is required for the %s backend", c.Dedup.Backend))
	}
	for _, s := range c.Sinks {
		if s.Webhook != nil && s.Webhook.AggregateURL == "" && s.Webhook.ForensicURL == "" {
			result = multierror.Append(result, fmt.Errorf("sink %s: at least one webhook url is required", s.Name))
		}
	}
	for _, m := range c.Mailboxes {
		if m.Disposition == "move" && m.ArchiveFolder == "" {
			result = multierror.Append(result, fmt.Errorf("mailbox %s: archiveFolder is required for the move disposition", m.Name))
		}
	}

	return result.ErrorOrNil()
}
