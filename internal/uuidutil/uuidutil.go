// Package uuidutil converts uuid values between their textual form and the
// 16-byte form binary columns hold.
package uuidutil

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	errText  = errors.New("invalid uuid text")
	errBytes = errors.New("invalid uuid bytes")
)

// ParseString accepts any form uuid.Parse does and returns the value with
// its lower-case canonical text.
func ParseString(raw string) (uuid.UUID, string, error) {
	u, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, "", errText
	}
	return u, u.String(), nil
}

// ParseBytes decodes 16 bytes in RFC 4122 order, as read from a binary column.
func ParseBytes(raw []byte) (uuid.UUID, string, error) {
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, "", errBytes
	}
	return u, u.String(), nil
}

// ToBytes returns a fresh copy of u in RFC 4122 order.
func ToBytes(u uuid.UUID) []byte {
	return append([]byte(nil), u[:]...)
}

// IsBinaryStorageType reports whether columns of sqlType hold raw uuid
// bytes. A length suffix such as binary(16) is ignored.
func IsBinaryStorageType(sqlType string) bool {
	base := strings.ToLower(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch base {
	case "binary", "varbinary":
		return true
	default:
		return false
	}
}
