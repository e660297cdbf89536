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

package backup

import "errors"

var (
	// ErrNotReady is returned when a restore or verify targets a backup that
	// is not ready yet.
	ErrNotReady = errors.New("backup not ready")
	// ErrBackupFailed is returned when a restore or verify targets a failed
	// backup.
	ErrBackupFailed = errors.New("backup failed")
	// ErrCorrupted means a partition object is missing or does not match its
	// manifest.
	ErrCorrupted = errors.New("backup corrupted")
)

type ErrUnprocessable struct {
	err error
}

func (e ErrUnprocessable) Error() string {
	return e.err.Error()
}

func (e ErrUnprocessable) Unwrap() error {
	return e.err
}

func NewErrUnprocessable(err error) ErrUnprocessable {
	return ErrUnprocessable{err}
}

type ErrNotFound struct {
	err error
}

func (e ErrNotFound) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "not found"
}

func (e ErrNotFound) Unwrap() error {
	return e.err
}

func NewErrNotFound(err error) ErrNotFound {
	return ErrNotFound{err}
}

type ErrContextExpired struct {
	err error
}

func (e ErrContextExpired) Error() string {
	return e.err.Error()
}

func (e ErrContextExpired) Unwrap() error {
	return e.err
}

func NewErrContextExpired(err error) ErrContextExpired {
	return ErrContextExpired{err}
}

type ErrInternal struct {
	err error
}

func (e ErrInternal) Error() string {
	return e.err.Error()
}

func (e ErrInternal) Unwrap() error {
	return e.err
}

func NewErrInternal(err error) ErrInternal {
	return ErrInternal{err}
}

// IsNotFound reports whether err, or any error it wraps, is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}
