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

import "fmt"

type Status string

const (
	Requested Status = "REQUESTED"
	Creating  Status = "CREATING"
	Ready     Status = "READY"
	Failed    Status = "FAILED"
	Deleted   Status = "DELETED"
)

var transitions = map[Status][]Status{
	Requested: {Creating, Failed},
	Creating:  {Ready, Failed},
	Ready:     {Deleted},
	Failed:    {Deleted},
}

// Terminal reports whether a backup in status s will not change again on
// its own.
func (s Status) Terminal() bool {
	return s == Ready || s == Failed || s == Deleted
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case Requested, Creating, Ready, Failed, Deleted:
		return true
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	if st := Status(s); st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("unknown backup status %q", s)
}
