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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(bucketEnv, "b")
	t.Setenv(endpointEnv, "")
	t.Setenv(awsRegion, "")
	t.Setenv(awsDefaultRegion, "eu-central-1")

	c := Config{}.FromEnv()
	assert.Equal(t, "b", c.Bucket)
	assert.Equal(t, defaultEndpoint, c.Endpoint)
	assert.True(t, c.UseSSL)
	assert.Equal(t, "eu-central-1", c.Region)

	c = Config{Endpoint: "localhost:9000", Path: "root"}.FromEnv()
	assert.False(t, c.UseSSL)
	assert.Equal(t, "root/3/partition_2", c.objectName("3", "partition_2"))
	assert.Equal(t, "root/3/", c.prefix("3"))
}
