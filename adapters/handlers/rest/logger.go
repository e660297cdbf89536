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
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/snapgraph/usecases/build"
)

type SnapgraphJSONFormatter struct {
	*logrus.JSONFormatter
	gitHash, branch, serverVersion, goVersion string
}

func NewSnapgraphJSONFormatter() logrus.Formatter {
	return &SnapgraphJSONFormatter{
		&logrus.JSONFormatter{},
		build.Revision,
		build.Branch,
		build.Version,
		build.GoVersion,
	}
}

func (wf *SnapgraphJSONFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Data["build_git_commit"] = wf.gitHash
	e.Data["build_branch"] = wf.branch
	e.Data["build_version"] = wf.serverVersion
	e.Data["build_go_version"] = wf.goVersion
	return wf.JSONFormatter.Format(e)
}

type SnapgraphTextFormatter struct {
	*logrus.TextFormatter
	gitHash, branch, serverVersion, goVersion string
}

func NewSnapgraphTextFormatter() logrus.Formatter {
	return &SnapgraphTextFormatter{
		&logrus.TextFormatter{},
		build.Revision,
		build.Branch,
		build.Version,
		build.GoVersion,
	}
}

func (wf *SnapgraphTextFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Data["build_git_commit"] = wf.gitHash
	e.Data["build_branch"] = wf.branch
	e.Data["build_version"] = wf.serverVersion
	e.Data["build_go_version"] = wf.goVersion
	return wf.TextFormatter.Format(e)
}

var errlogLevelNotRecognized = errors.New("log level not recognized")

// logLevelFromString converts a string to a logrus log level, returns a logLevelNotRecognized
// error if the string is not recognized. level is case insensitive.
func logLevelFromString(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "panic":
		return logrus.PanicLevel, nil
	case "fatal":
		return logrus.FatalLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "trace":
		return logrus.TraceLevel, nil
	default:
		return 0, errlogLevelNotRecognized
	}
}

// ConfigureLogger applies level and format ("json" or "text") to logger.
// Empty values keep info level and JSON output.
func ConfigureLogger(logger *logrus.Logger, level, format string) error {
	switch strings.ToLower(format) {
	case "", "json":
		logger.SetFormatter(NewSnapgraphJSONFormatter())
	case "text":
		logger.SetFormatter(NewSnapgraphTextFormatter())
	default:
		return fmt.Errorf("log format %q not recognized", format)
	}
	if level == "" {
		logger.SetLevel(logrus.InfoLevel)
		return nil
	}
	l, err := logLevelFromString(level)
	if err != nil {
		return fmt.Errorf("%w: %q", err, level)
	}
	logger.SetLevel(l)
	return nil
}
