// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UserMap is the operator map: a YAML document mapping OS usernames
// to application identities. It is external configuration consumed by
// the resolver, not owned by it.
//
//	users:
//	  alice:
//	    identity: operator/alice
//	    tenant: tenant-a
//	    roles: [approver, viewer]
type UserMap struct {
	Users map[string]UserMapEntry `yaml:"users"`
}

// UserMapEntry is one operator map row.
type UserMapEntry struct {
	Identity string   `yaml:"identity"`
	Tenant   string   `yaml:"tenant"`
	Roles    []string `yaml:"roles"`
}

// LoadUserMap reads and validates the operator map from path.
func LoadUserMap(path string) (*UserMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading operator map %s: %w", path, err)
	}
	return ParseUserMap(data)
}

// ParseUserMap parses an operator map document.
func ParseUserMap(data []byte) (*UserMap, error) {
	var parsed UserMap
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing operator map: %w", err)
	}
	for username, entry := range parsed.Users {
		if entry.Identity == "" {
			return nil, fmt.Errorf("operator map entry %q has no identity", username)
		}
		if entry.Tenant == "" {
			return nil, fmt.Errorf("operator map entry %q has no tenant", username)
		}
	}
	return &parsed, nil
}

// Lookup resolves an OS username to an Identity. A miss returns
// ErrIdentityNotMapped so callers can distinguish an unmapped user
// from a failed credential.
func (m *UserMap) Lookup(username string) (*Identity, error) {
	entry, ok := m.Users[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIdentityNotMapped, username)
	}
	return &Identity{
		Kind:     KindUnixUser,
		Subject:  entry.Identity,
		TenantID: entry.Tenant,
		Roles:    append([]string(nil), entry.Roles...),
	}, nil
}
