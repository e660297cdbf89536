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

package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnreachable is returned when a peer (ingestor, store, coordinator or
// queue broker) cannot be reached. It is transient and always retried.
var ErrUnreachable = errors.New("peer unreachable")

// ErrEngineContention marks a storage engine error caused by contention
// (e.g. a lock timeout) rather than by the data.
var ErrEngineContention = errors.New("storage engine contention")

func NewErrUnreachable(peer string, err error) error {
	return fmt.Errorf("%s: %w: %w", peer, ErrUnreachable, err)
}

// IsTransient reports whether err is worth retrying without operator
// intervention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrEngineContention) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
