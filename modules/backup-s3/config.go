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

package modstgs3

import (
	"os"
	"path"
)

const (
	bucketEnv   = "BACKUP_S3_BUCKET"
	pathEnv     = "BACKUP_S3_PATH"
	endpointEnv = "BACKUP_S3_ENDPOINT"
	useSSLEnv   = "BACKUP_S3_USE_SSL"

	awsRoleARN              = "AWS_ROLE_ARN"
	awsWebIdentityTokenFile = "AWS_WEB_IDENTITY_TOKEN_FILE"
	awsRegion               = "AWS_REGION"
	awsDefaultRegion        = "AWS_DEFAULT_REGION"

	defaultEndpoint = "s3.amazonaws.com"
)

type Config struct {
	Bucket   string `json:"bucket" yaml:"bucket"`
	Path     string `json:"path" yaml:"path"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Region   string `json:"region" yaml:"region"`
	UseSSL   bool   `json:"use_ssl" yaml:"use_ssl"`
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
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
		c.UseSSL = true
	}
	if v := os.Getenv(useSSLEnv); v == "true" || v == "1" {
		c.UseSSL = true
	}
	if c.Region == "" {
		c.Region = os.Getenv(awsRegion)
	}
	if c.Region == "" {
		c.Region = os.Getenv(awsDefaultRegion)
	}
	return c
}

func (c Config) objectName(backupID, key string) string {
	return path.Join(c.Path, backupID, key)
}

func (c Config) prefix(backupID string) string {
	return path.Join(c.Path, backupID) + "/"
}
