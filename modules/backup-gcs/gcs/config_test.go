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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectNames(t *testing.T) {
	tests := []struct {
		path, object, prefix string
	}{
		{"", "7/partition_1", "7/"},
		{"backups", "backups/7/partition_1", "backups/7/"},
	}
	for _, tt := range tests {
		c := Config{Bucket: "b", Path: tt.path}
		assert.Equal(t, tt.object, c.ObjectName("7", "partition_1"))
		assert.Equal(t, tt.prefix, c.Prefix("7"))
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(bucketEnv, "from-env")
	t.Setenv(pathEnv, "root")
	assert.Equal(t, Config{Bucket: "from-env", Path: "root"}, Config{}.FromEnv())
	assert.Equal(t, "explicit", Config{Bucket: "explicit"}.FromEnv().Bucket)
}
