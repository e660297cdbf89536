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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. a config file) and will only extend those that
// are set
func FromEnv(config *Config) error {
	if v := os.Getenv("PARTITION_COUNT"); v != "" {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse PARTITION_COUNT as int")
		}
		config.PartitionCount = asInt
	}

	if v := os.Getenv("PERSISTENCE_DATA_PATH"); v != "" {
		config.Persistence.DataPath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	if enabled(os.Getenv("PROMETHEUS_MONITORING_ENABLED")) {
		config.Monitoring.Enabled = true
	}
	if v := os.Getenv("PROMETHEUS_MONITORING_PORT"); v != "" {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse PROMETHEUS_MONITORING_PORT as int")
		}
		config.Monitoring.Port = asInt
	}

	if v := os.Getenv("QUEUE_TYPE"); v != "" {
		config.Queue.Type = v
	}
	if v := os.Getenv("QUEUE_KAFKA_BROKERS"); v != "" {
		config.Queue.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("QUEUE_KAFKA_TOPIC"); v != "" {
		config.Queue.Kafka.Topic = v
	}

	if v := os.Getenv("INGESTOR_ADDRESS_TEMPLATE"); v != "" {
		config.Roles.Ingestor.Template = v
	}
	if v := os.Getenv("INGESTOR_REPLICAS"); v != "" {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse INGESTOR_REPLICAS as int")
		}
		config.Roles.Ingestor.Replicas = asInt
	}
	if v := os.Getenv("COORDINATOR_ADDRESS"); v != "" {
		config.Roles.Coordinator.Addresses = []string{v}
	}

	if v := os.Getenv("SNAPSHOT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse SNAPSHOT_INTERVAL as duration")
		}
		config.Frontend.SnapshotInterval = d
	}

	if v := os.Getenv("BACKUP_BACKEND"); v != "" {
		config.Backup.Backend = v
	}
	if v := os.Getenv("BACKUP_PATH"); v != "" {
		config.Backup.Path = v
	}
	if v := os.Getenv("BACKUP_BUCKET"); v != "" {
		config.Backup.Bucket = v
	}

	return nil
}

func enabled(value string) bool {
	if value == "" {
		return false
	}

	if value == "on" ||
		value == "enabled" ||
		value == "1" ||
		value == "true" {
		return true
	}

	return false
}
