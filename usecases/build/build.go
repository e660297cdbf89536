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

// Package build carries the build metadata stamped in with
//
//	-ldflags "-X github.com/weaviate/snapgraph/usecases/build.Version=..."
package build

import "runtime"

var (
	Version  = "dev"
	Revision = "unknown"
	Branch   = "unknown"

	GoVersion = runtime.Version()
)
