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

package config

import (
	"fmt"
	"strings"

	"github.com/weaviate/snapgraph/entities/partition"
)

type Role string

const (
	// RoleStandalone runs every component in one process.
	RoleStandalone  Role = "standalone"
	RoleCoordinator Role = "coordinator"
	// RoleIngestor consumes the queue and stores the partitions it owns.
	RoleIngestor Role = "ingestor"
	RoleFrontend Role = "frontend"
)

func (r Role) Validate() error {
	switch r {
	case RoleStandalone, RoleCoordinator, RoleIngestor, RoleFrontend:
		return nil
	default:
		return fmt.Errorf("unknown role %q", r)
	}
}

// RoleAddresses locates the replicas of a role, either as an explicit list
// or as a template formatted with the replica ordinal, such as
// "ingestor-%d.ingestor:7101".
type RoleAddresses struct {
	Addresses []string `json:"addresses" yaml:"addresses"`
	Template  string   `json:"template" yaml:"template"`
	Replicas  int      `json:"replicas" yaml:"replicas"`
}

func (a *RoleAddresses) withDefaults() {
	if a.Replicas <= 0 {
		a.Replicas = max(len(a.Addresses), 1)
	}
}

// Resolve returns the address of every replica, indexed by ordinal.
func (a RoleAddresses) Resolve() ([]string, error) {
	if len(a.Addresses) > 0 {
		if len(a.Addresses) != a.Replicas {
			return nil, fmt.Errorf("%d addresses for %d replicas", len(a.Addresses), a.Replicas)
		}
		return a.Addresses, nil
	}
	if a.Template == "" {
		return nil, nil
	}
	if strings.Count(a.Template, "%d") != 1 {
		return nil, fmt.Errorf("address template %q must contain %%d exactly once", a.Template)
	}
	out := make([]string, a.Replicas)
	for i := range out {
		out[i] = fmt.Sprintf(a.Template, i)
	}
	return out, nil
}

type Roles struct {
	Coordinator RoleAddresses `json:"coordinator" yaml:"coordinator"`
	Ingestor    RoleAddresses `json:"ingestor" yaml:"ingestor"`
	Frontend    RoleAddresses `json:"frontend" yaml:"frontend"`
}

func (r *Roles) withDefaults() {
	r.Coordinator.withDefaults()
	r.Ingestor.withDefaults()
	r.Frontend.withDefaults()
}

func (r Roles) of(role Role) RoleAddresses {
	switch role {
	case RoleCoordinator:
		return r.Coordinator
	case RoleIngestor:
		return r.Ingestor
	case RoleFrontend:
		return r.Frontend
	default:
		return RoleAddresses{Replicas: 1}
	}
}

// Replicas is the number of processes running role.
func (r Roles) Replicas(role Role) int {
	return r.of(role).Replicas
}

// Address returns where the replica ordinal of role listens.
func (r Roles) Address(role Role, ordinal int) (string, error) {
	addrs, err := r.of(role).Resolve()
	if err != nil {
		return "", fmt.Errorf("roles.%s: %w", role, err)
	}
	if ordinal < 0 || ordinal >= len(addrs) {
		return "", fmt.Errorf("roles.%s: no address for ordinal %d", role, ordinal)
	}
	return addrs[ordinal], nil
}

// PartitionOwner is the ordinal of the ingestor owning a partition.
func (r Roles) PartitionOwner(id int32) int {
	return partition.Owner(id, r.Ingestor.Replicas)
}

// OwnedPartitions lists the partitions the ingestor ordinal owns.
func (r Roles) OwnedPartitions(count, ordinal int) []int32 {
	return partition.Owned(count, r.Ingestor.Replicas, ordinal)
}

func (r Roles) Validate() error {
	if r.Coordinator.Replicas != 1 {
		return fmt.Errorf("roles.coordinator: exactly one replica is supported, got %d", r.Coordinator.Replicas)
	}
	for _, role := range []Role{RoleCoordinator, RoleIngestor, RoleFrontend} {
		if _, err := r.of(role).Resolve(); err != nil {
			return fmt.Errorf("roles.%s: %w", role, err)
		}
	}
	return nil
}
