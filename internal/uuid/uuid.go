// Package uuid generates the identifiers used by the sync engine:
// ULIDs for queue entries and prefixed UUID v4 values for records
// created offline before the remote assigns a permanent id.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempPrefix marks a record id generated on the client.
const TempPrefix = "tmp_"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewEntryID returns a lexicographically sortable ULID.
// IDs generated within the same millisecond are strictly increasing.
func NewEntryID() string {
	return ulid.Make().String()
}

// IsEntryID reports whether s parses as a ULID.
func IsEntryID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NewTempRecordID returns a client-side record id for an offline Create.
func NewTempRecordID() string {
	return TempPrefix + New()
}

// IsTempRecordID reports whether id was produced by NewTempRecordID.
func IsTempRecordID(id string) bool {
	return strings.HasPrefix(id, TempPrefix) && IsValid(strings.TrimPrefix(id, TempPrefix))
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
