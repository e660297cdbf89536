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

package modstgazure

import (
	"os"
	"path"
)

const (
	connectionStringEnv = "AZURE_STORAGE_CONNECTION_STRING"
	containerEnv        = "BACKUP_AZURE_CONTAINER"
	pathEnv             = "BACKUP_AZURE_PATH"
)

type Config struct {
	// ConnectionString holds the account and its credentials.
	ConnectionString string `json:"-" yaml:"-"`
	Container        string `json:"container" yaml:"container"`
	Path             string `json:"path" yaml:"path"`
}

// FromEnv fills unset fields from the environment.
func (c Config) FromEnv() Config {
	if c.ConnectionString == "" {
		c.ConnectionString = os.Getenv(connectionStringEnv)
	}
	if c.Container == "" {
		c.Container = os.Getenv(containerEnv)
	}
	if c.Path == "" {
		c.Path = os.Getenv(pathEnv)
	}
	return c
}

func (c Config) blobName(backupID, key string) string {
	return path.Join(c.Path, backupID, key)
}

func (c Config) prefix(backupID string) string {
	return path.Join(c.Path, backupID) + "/"
}
