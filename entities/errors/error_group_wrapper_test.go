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
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorGroupPanicBecomesError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	g := NewErrorGroupWrapper(logger)

	g.Go(func() error { return nil })
	g.Go(func() error { panic("boom") }, "partition", 3)

	err := g.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "error_group_panic", hook.LastEntry().Data["action"])
}

func TestErrorGroupWithContextCancelsOnError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	g, ctx := NewErrorGroupWithContextWrapper(logger, context.Background())

	g.Go(func() error { return errors.New("stop") })
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	assert.EqualError(t, g.Wait(), "stop")
}
