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
	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/usecases/monitoring"
)

// RequestsTotal counts the requests of one handler by outcome and logs the
// failed ones.
type RequestsTotal struct {
	metrics *monitoring.PrometheusMetrics
	api     string
	handler string
	logger  logrus.FieldLogger
}

func NewRequestsTotal(metrics *monitoring.PrometheusMetrics, api, handler string, logger logrus.FieldLogger) *RequestsTotal {
	return &RequestsTotal{metrics: metrics, api: api, handler: handler, logger: logger}
}

func (r *RequestsTotal) LogOk() {
	r.inc("ok")
}

// LogError records a failed request answered with status.
func (r *RequestsTotal) LogError(status int, err error) {
	if status >= 500 {
		r.inc("server_error")
		r.logger.WithFields(logrus.Fields{
			"action":  "requests_total",
			"api":     r.api,
			"handler": r.handler,
			"status":  status,
		}).WithError(err).Error("unexpected error")
		return
	}
	r.inc("user_error")
	r.logger.WithFields(logrus.Fields{
		"action":  "requests_total",
		"api":     r.api,
		"handler": r.handler,
		"status":  status,
	}).WithError(err).Debug("user error")
}

func (r *RequestsTotal) inc(status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RequestsTotal.WithLabelValues(r.api, r.handler, status).Inc()
}
