// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"net"

	"github.com/btcsuite/btccustody/authority"
)

// NormalizeAddress returns addr in host:port form, adding defaultPort when
// the port is missing. An error is returned if the address, even without a
// port, is not valid.
func NormalizeAddress(addr, defaultPort string) (string, error) {
	host, port, origErr := net.SplitHostPort(addr)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}
	addr = net.JoinHostPort(addr, defaultPort)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", origErr
	}
	return addr, nil
}

// ParseAuthorities parses hex encoded authority identifiers. Duplicates are
// rejected since each identifier counts towards the majority once.
func ParseAuthorities(ids []string) ([]authority.ID, error) {
	seen := make(map[authority.ID]struct{}, len(ids))
	parsed := make([]authority.ID, 0, len(ids))
	for _, s := range ids {
		id, err := authority.ParseID(s)
		if err != nil {
			return nil, fmt.Errorf("authority %q: %w", s, err)
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("authority %v listed twice", id)
		}
		seen[id] = struct{}{}
		parsed = append(parsed, id)
	}
	return parsed, nil
}
