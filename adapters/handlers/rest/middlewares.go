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

package rest

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/felixge/httpsnoop"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// GlobalMiddleware wraps the public API: panic recovery, request logging
// and CORS.
func GlobalMiddleware(handler http.Handler, logger logrus.FieldLogger) http.Handler {
	handleCORS := cors.New(cors.Options{
		OptionsPassthrough: true,
		AllowedMethods:     []string{"POST", "PUT", "DELETE", "GET", "PATCH"},
	}).Handler
	handler = handleCORS(handler)
	handler = addPreflight(handler)
	handler = addLogging(handler, logger)
	handler = addPanicRecovery(handler, logger)
	return handler
}

// InternalMiddleware wraps the cluster API, which is never called from a
// browser.
func InternalMiddleware(handler http.Handler, logger logrus.FieldLogger) http.Handler {
	return addPanicRecovery(addLogging(handler, logger), logger)
}

func addLogging(next http.Handler, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		logger.WithFields(logrus.Fields{
			"action":  "http_request",
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  m.Code,
			"written": m.Written,
			"took":    m.Duration,
		}).Debug("request served")
	})
}

func addPanicRecovery(next http.Handler, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger.WithFields(logrus.Fields{
					"action": "http_panic",
					"method": r.Method,
					"path":   r.URL.Path,
				}).Errorf("recovered from panic: %v\n%s", p, debug.Stack())
				http.Error(w, fmt.Sprintf("internal error: %v", p), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func addPreflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			return
		}

		next.ServeHTTP(w, r)
	})
}
