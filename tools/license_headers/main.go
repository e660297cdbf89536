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

package main

import (
	"bytes"
	"flag"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var headerSectionRe = regexp.MustCompile(`^(//.*\n)*\n`)

// skipped holds path prefixes that are not part of the module's own sources.
var skipped = []string{"_examples/", "vendor/"}

func main() {
	check := flag.Bool("check", false, "report outdated headers and exit non-zero instead of rewriting")
	headerPath := flag.String("header", "tools/license_headers/header.txt", "path to the license header")
	flag.Parse()

	logger := logrus.New()

	h, err := os.ReadFile(*headerPath)
	if err != nil {
		logger.WithError(err).Fatal("read header")
	}
	header := bytes.TrimSpace(h)

	fileNames, err := doublestar.Glob("**/*.go")
	if err != nil {
		logger.WithError(err).Fatal("glob sources")
	}

	outdated := 0
	for _, name := range fileNames {
		if isSkipped(name) {
			continue
		}
		updated, err := processSingleFile(name, header, *check)
		if err != nil {
			logger.WithError(err).Fatal("process file")
		}
		if updated {
			outdated++
			logger.WithField("file", name).Info("header outdated")
		}
	}

	if *check && outdated > 0 {
		logger.WithField("count", outdated).Error("files with outdated license header")
		os.Exit(1)
	}
}

func isSkipped(name string) bool {
	for _, prefix := range skipped {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// processSingleFile reports whether the header of name differs from header
// and rewrites it unless dryRun is set.
func processSingleFile(name string, header []byte, dryRun bool) (bool, error) {
	content, err := os.ReadFile(name)
	if err != nil {
		return false, errors.Wrap(err, name)
	}

	if !headerNeedsUpdate(content, header) {
		return false, nil
	}
	if dryRun {
		return true, nil
	}

	if err := os.WriteFile(name, withHeader(content, header), 0o644); err != nil {
		return false, errors.Wrap(err, name)
	}
	return true, nil
}

func headerNeedsUpdate(content, header []byte) bool {
	current := headerSectionRe.Find(content)
	return !bytes.Equal(bytes.TrimSpace(current), header)
}

// withHeader replaces the leading comment block, or prepends the header when
// the file starts with something else such as a build constraint.
func withHeader(content, header []byte) []byte {
	target := append(append([]byte{}, header...), '\n', '\n')
	if loc := headerSectionRe.FindIndex(content); loc != nil && loc[0] == 0 && !bytes.HasPrefix(content, []byte("//go:build")) {
		return append(target, content[loc[1]:]...)
	}
	return append(target, content...)
}
