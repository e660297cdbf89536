//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/weaviate/snapgraph/usecases/backup"
	"github.com/weaviate/snapgraph/usecases/coordinator"
	"github.com/weaviate/snapgraph/usecases/frontend"
	"github.com/weaviate/snapgraph/usecases/ingest"
)

// DefaultConfigFile is the default file when no config file is provided
const DefaultConfigFile string = "./snapgraph.conf.yaml"

const (
	DefaultHTTPPort    = 7100
	DefaultMetricsPort = 2112
)

// Flags are input options
type Flags struct {
	ConfigFile string `long:"config-file" description:"path to config file (default: ./snapgraph.conf.yaml)"`
	Role       string `long:"role" description:"role of this process: standalone, coordinator, ingestor or frontend"`
	Ordinal    int    `long:"ordinal" default:"-1" description:"ordinal of this process among the replicas of its role"`
	DataPath   string `long:"data-path" description:"directory for partition stores, the meta store and the file queue"`
	Port       int    `long:"port" description:"port of the HTTP API"`
}

// Config outline of the config file
type Config struct {
	Name           string `json:"name" yaml:"name"`
	PartitionCount int    `json:"partition_count" yaml:"partition_count"`

	Persistence Persistence `json:"persistence" yaml:"persistence"`
	Logging     Logging     `json:"logging" yaml:"logging"`
	Monitoring  Monitoring  `json:"monitoring" yaml:"monitoring"`
	HTTP        HTTP        `json:"http" yaml:"http"`

	Roles Roles `json:"roles" yaml:"roles"`
	Queue Queue `json:"queue" yaml:"queue"`

	Store       Store              `json:"store" yaml:"store"`
	Ingest      ingest.Config      `json:"ingest" yaml:"ingest"`
	Coordinator coordinator.Config `json:"coordinator" yaml:"coordinator"`
	Frontend    frontend.Config    `json:"frontend" yaml:"frontend"`
	Backup      Backup             `json:"backup" yaml:"backup"`
}

type Persistence struct {
	DataPath string `json:"data_path" yaml:"data_path"`
}

func (p Persistence) StoresPath() string {
	return filepath.Join(p.DataPath, "partitions")
}

func (p Persistence) MetaPath() string {
	return filepath.Join(p.DataPath, "meta")
}

func (p Persistence) QueuePath() string {
	return filepath.Join(p.DataPath, "queue")
}

type Logging struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type Monitoring struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

type HTTP struct {
	Port int `json:"port" yaml:"port"`
	// ClientTimeout bounds one request between roles.
	ClientTimeout time.Duration `json:"client_timeout" yaml:"client_timeout"`
	// ClientRetries bounds the retries of one request between roles.
	ClientRetries int `json:"client_retries" yaml:"client_retries"`
}

type Store struct {
	// OpDedupWindow is the number of recent offsets whose operation ids are
	// kept to detect replays.
	OpDedupWindow int64 `json:"op_dedup_window" yaml:"op_dedup_window"`
}

const (
	QueueFile  = "file"
	QueueKafka = "kafka"
)

type Queue struct {
	Type  string     `json:"type" yaml:"type"`
	File  FileQueue  `json:"file" yaml:"file"`
	Kafka KafkaQueue `json:"kafka" yaml:"kafka"`
}

type FileQueue struct {
	SegmentBytes int64 `json:"segment_bytes" yaml:"segment_bytes"`
	Sync         bool  `json:"sync" yaml:"sync"`
}

type KafkaQueue struct {
	Brokers  []string `json:"brokers" yaml:"brokers"`
	Topic    string   `json:"topic" yaml:"topic"`
	ClientID string   `json:"client_id" yaml:"client_id"`
}

const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendGCS        = "gcs"
	BackendAzure      = "azure"
)

type Backup struct {
	backup.Config `yaml:",inline"`

	Backend string `json:"backend" yaml:"backend"`
	// Path is the backup directory of the filesystem backend, or the
	// prefix inside the bucket of the object store backends.
	Path string `json:"path" yaml:"path"`
	// Bucket is the bucket, or the Azure container.
	Bucket   string `json:"bucket" yaml:"bucket"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Region   string `json:"region" yaml:"region"`
	UseSSL   bool   `json:"use_ssl" yaml:"use_ssl"`
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "snapgraph"
	}
	if c.Persistence.DataPath == "" {
		c.Persistence.DataPath = "./data"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = logrus.InfoLevel.String()
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Monitoring.Port == 0 {
		c.Monitoring.Port = DefaultMetricsPort
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = DefaultHTTPPort
	}
	if c.HTTP.ClientTimeout <= 0 {
		c.HTTP.ClientTimeout = 30 * time.Second
	}
	if c.HTTP.ClientRetries <= 0 {
		c.HTTP.ClientRetries = 5
	}
	if c.Queue.Type == "" {
		c.Queue.Type = QueueFile
	}
	if c.Queue.Kafka.Topic == "" {
		c.Queue.Kafka.Topic = "snapgraph-mutations"
	}
	if c.Store.OpDedupWindow == 0 {
		c.Store.OpDedupWindow = 100_000
	}
	if c.Backup.Backend == "" {
		c.Backup.Backend = BackendFilesystem
	}
	if c.Backup.Backend == BackendFilesystem && c.Backup.Path == "" {
		if abs, err := filepath.Abs(filepath.Join(c.Persistence.DataPath, "backups")); err == nil {
			c.Backup.Path = abs
		}
	}

	c.Ingest = c.Ingest.WithDefaults()
	c.Coordinator.Partitions = c.PartitionCount
	c.Coordinator = c.Coordinator.WithDefaults()
	c.Frontend.Partitions = c.PartitionCount
	c.Frontend = c.Frontend.WithDefaults()
	c.Backup.Config = c.Backup.Config.WithDefaults()
	c.Roles.withDefaults()
}

func (c *Config) Validate() error {
	if c.PartitionCount <= 0 {
		return configErr(fmt.Errorf("partition_count must be positive, got %d", c.PartitionCount))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return configErr(fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return configErr(fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	switch c.Queue.Type {
	case QueueFile:
	case QueueKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			return configErr(fmt.Errorf("queue.kafka.brokers must not be empty"))
		}
	default:
		return configErr(fmt.Errorf("unsupported queue.type %q, use %s or %s", c.Queue.Type, QueueFile, QueueKafka))
	}
	switch c.Backup.Backend {
	case BackendFilesystem:
		if !filepath.IsAbs(c.Backup.Path) {
			return configErr(fmt.Errorf("backup.path must be absolute for the filesystem backend"))
		}
	case BackendS3, BackendGCS, BackendAzure:
	default:
		return configErr(fmt.Errorf("unsupported backup.backend %q", c.Backup.Backend))
	}
	if _, err := backup.ParseCompression(string(c.Backup.Compression)); err != nil {
		return configErr(err)
	}
	for _, v := range []interface{ Validate() error }{c.Ingest, c.Coordinator, c.Frontend} {
		if err := v.Validate(); err != nil {
			return configErr(err)
		}
	}
	if err := c.Roles.Validate(); err != nil {
		return configErr(err)
	}
	return nil
}

// SnapgraphConfig is the configuration of one process.
type SnapgraphConfig struct {
	Config  Config
	Role    Role
	Ordinal int
}

// LoadConfig from config locations. The load order for configuration values if the following
// 1. Config file
// 2. Environment variables
// 3. Command line flags
// If a config option is specified multiple times in different locations, the latest one will be used in this order.
func (f *SnapgraphConfig) LoadConfig(flags *Flags, logger logrus.FieldLogger) error {
	configFileName := flags.ConfigFile
	explicit := configFileName != ""
	if !explicit {
		configFileName = DefaultConfigFile
	}

	file, err := os.ReadFile(configFileName)
	if err != nil && (explicit || !os.IsNotExist(err)) {
		return configErr(fmt.Errorf("read config file: %w", err))
	}
	if len(file) > 0 {
		logger.WithField("action", "config_load").WithField("config_file_path", configFileName).
			Info("loading config file")
		config, err := f.parseConfigFile(file, configFileName)
		if err != nil {
			return configErr(err)
		}
		f.Config = config
	}

	if err := FromEnv(&f.Config); err != nil {
		return configErr(err)
	}

	f.fromFlags(flags)
	f.Config.withDefaults()

	if err := f.Config.Validate(); err != nil {
		return err
	}
	if err := f.Role.Validate(); err != nil {
		return configErr(err)
	}
	if f.Config.Queue.Type == QueueFile && (f.Role == RoleIngestor || f.Role == RoleFrontend) {
		return configErr(fmt.Errorf("role %s needs a shared queue, the file queue only serves standalone", f.Role))
	}
	if f.Role != RoleStandalone && f.Role != RoleCoordinator {
		if f.Ordinal < 0 {
			return configErr(fmt.Errorf("role %s needs an ordinal", f.Role))
		}
		if n := f.Config.Roles.Replicas(f.Role); f.Ordinal >= n {
			return configErr(fmt.Errorf("ordinal %d out of range, role %s has %d replicas", f.Ordinal, f.Role, n))
		}
	}
	return nil
}

func (f *SnapgraphConfig) parseConfigFile(file []byte, name string) (Config, error) {
	var config Config

	m := regexp.MustCompile(`.*\.(\w+)$`).FindStringSubmatch(name)
	if len(m) < 2 {
		return config, fmt.Errorf("config file does not have a file ending, got '%s'", name)
	}

	switch m[1] {
	case "json":
		err := json.Unmarshal(file, &config)
		if err != nil {
			return config, fmt.Errorf("error unmarshalling the json config file: %w", err)
		}
	case "yaml", "yml":
		err := yaml.Unmarshal(file, &config)
		if err != nil {
			return config, fmt.Errorf("error unmarshalling the yaml config file: %w", err)
		}
	default:
		return config, fmt.Errorf("unsupported config file extension '%s', use .yaml or .json", m[1])
	}

	return config, nil
}

// fromFlags parses values from flags given as parameter and overrides values in the config
func (f *SnapgraphConfig) fromFlags(flags *Flags) {
	if flags.Role != "" {
		f.Role = Role(flags.Role)
	}
	if f.Role == "" {
		f.Role = RoleStandalone
	}
	if flags.Ordinal >= 0 {
		f.Ordinal = flags.Ordinal
	} else if f.Role == RoleStandalone || f.Role == RoleCoordinator {
		f.Ordinal = 0
	} else {
		f.Ordinal = -1
	}
	if flags.DataPath != "" {
		f.Config.Persistence.DataPath = flags.DataPath
	}
	if flags.Port > 0 {
		f.Config.HTTP.Port = flags.Port
	}
}

func configErr(err error) error {
	return fmt.Errorf("invalid config: %w", err)
}
