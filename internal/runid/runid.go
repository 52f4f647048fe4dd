// Package runid supplies run identifiers and the clock seam shared by every
// component that stamps rows or synthesizes keys.
package runid

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Valid matches ULIDs, UUIDs, and other safe identifiers. Only alphanumeric,
// dashes, and underscores are allowed.
var Valid = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// New returns a fresh ULID run identifier, lowercased for filesystem use.
func New() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return strings.ToLower(id.String()), nil
}

// Generator produces opaque run identifiers.
type Generator interface {
	NewRunID() (string, error)
}

// Clock returns the current UTC instant.
type Clock interface {
	Now() time.Time
}

// Real is the production generator and clock.
type Real struct{}

func (Real) NewRunID() (string, error) { return New() }

func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed is a deterministic clock for tests.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }
