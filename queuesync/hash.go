// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queuesync

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Hash returns the convergence hash of a key/value map: values are stringified,
// concatenated without separator in ascending key order, and hashed with SHA-256.
// The result depends only on the set of (key, value) pairs. A map keyed "0".."n-1"
// is a list and is hashed like HashList.
func Hash(values map[string]any) string {
	if isListIndex(values) {
		values = valueSet(values)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(stringifyValue(values[k]))
	}
	return sha256Hex(b.String())
}

// HashList hashes a list with set semantics: every value becomes its own key,
// so order and duplicates do not matter. Used for hash-of-hashes checks.
func HashList[T any](values []T) string {
	set := make(map[string]any, len(values))
	for _, v := range values {
		s := stringifyValue(v)
		set[s] = s
	}
	return Hash(set)
}

// isListIndex reports whether the keys are exactly the canonical integers 0..len-1
func isListIndex(values map[string]any) bool {
	if len(values) == 0 {
		return false
	}
	for k := range values {
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 || n >= len(values) || strconv.Itoa(n) != k {
			return false
		}
	}
	return true
}

func valueSet(values map[string]any) map[string]any {
	set := make(map[string]any, len(values))
	for _, v := range values {
		s := stringifyValue(v)
		set[s] = s
	}
	return set
}

// HashEntity hashes a row after dropping the server-managed sync_* columns
func HashEntity(row map[string]any) string {
	return Hash(stripReserved(row))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// stringifyValue renders scalars the way clients render them before hashing:
// null and false are empty, true is "1", numbers use their shortest decimal form.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "1"
		}
		return ""
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case uuid.UUID:
		return val.String()
	case time.Time:
		return formatHashTime(val)
	case *time.Time:
		if val == nil {
			return ""
		}
		return formatHashTime(*val)
	case driver.Valuer:
		dv, err := val.Value()
		if err != nil {
			return ""
		}
		return stringifyValue(dv)
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}

// formatHashTime keeps date-only values as dates so stored DATE columns hash the
// same as the strings clients submitted
func formatHashTime(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.DateTime)
}
