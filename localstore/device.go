// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// EnsureDeviceID returns the device id stored at key, generating and storing
// a new one on first use. The id stays stable across restarts.
func EnsureDeviceID(ctx context.Context, s Store, key string) (string, error) {
	var id string
	err := s.Update(ctx, key, func(current []byte) ([]byte, error) {
		if len(current) > 0 {
			id = string(current)
			return current, nil
		}
		id = uuid.NewString()
		return []byte(id), nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to ensure device id: %w", err)
	}
	return id, nil
}
