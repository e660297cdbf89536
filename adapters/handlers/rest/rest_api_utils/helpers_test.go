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

package rest_api_utils

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathID(t *testing.T) {
	tests := []struct {
		path      string
		id        int64
		remainder string
		err       bool
	}{
		{"/v1/backups/12", 12, "", false},
		{"/v1/backups/12/restore", 12, "restore", false},
		{"/v1/backups/x/restore", 0, "", true},
		{"/v2/backups/1", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, remainder, err := PathID(tt.path, "/v1/backups/")
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.remainder, remainder)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Keep int `json:"keep"`
	}
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"keep": 3}`))
	require.NoError(t, DecodeJSON(r, &v))
	assert.Equal(t, 3, v.Keep)

	r = httptest.NewRequest("POST", "/", strings.NewReader(""))
	assert.NoError(t, DecodeJSON(r, &v), "empty body")

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"other": 1}`))
	assert.Error(t, DecodeJSON(r, &v))

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "text/plain")
	assert.Error(t, DecodeJSON(r, &v))
}

func TestWriteAndReadError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 409, assert.AnError)
	assert.Equal(t, 409, rec.Code)
	assert.Equal(t, assert.AnError.Error(), ReadError(rec.Body.Bytes()))
	assert.Equal(t, "plain", ReadError([]byte("plain\n")))
}
