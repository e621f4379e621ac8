// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// isValidIdentifier checks if a table or column name matches ^[a-z0-9_]+$
func isValidIdentifier(name string) bool {
	if len(name) == 0 {
		return false
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			return false
		}
	}
	return true
}

// quoteIdent sanitizes a single identifier for SQL
func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// isUUID reports whether s parses as a UUID
func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
