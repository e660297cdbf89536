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

package gcs

import (
	"os"
	"path"
)

const (
	bucketEnv = "BACKUP_GCS_BUCKET"
	// optional, allows backups to live in a directory inside the bucket
	pathEnv = "BACKUP_GCS_PATH"
	// optional, points the client at an emulator or a private endpoint
	endpointEnv = "BACKUP_GCS_ENDPOINT"
)

type Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Path     string `json:"path" yaml:"path"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	// UseAuth is false against emulators.
	UseAuth bool `json:"use_auth" yaml:"use_auth"`
}

// FromEnv fills unset fields from the environment.
func (c Config) FromEnv() Config {
	if c.Bucket == "" {
		c.Bucket = os.Getenv(bucketEnv)
	}
	if c.Path == "" {
		c.Path = os.Getenv(pathEnv)
	}
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv(endpointEnv)
	}
	return c
}

// ObjectName is the name of key of backupID inside the bucket.
func (c Config) ObjectName(backupID, key string) string {
	return path.Join(c.Path, backupID, key)
}

// Prefix is the common prefix of every object of backupID.
func (c Config) Prefix(backupID string) string {
	return path.Join(c.Path, backupID) + "/"
}
