// Package id defines the identifiers of jobq entities.
//
// An ID is a UUIDv7 qualified by a short prefix naming the entity, written
// as "prefix_<32 lowercase hex digits>". IDs sort by creation time both as
// values and as strings, which the stores rely on for FIFO tie-breaks.
package id

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix names the entity an ID belongs to.
type Prefix string

const (
	PrefixJob    Prefix = "job"
	PrefixWorker Prefix = "wkr"
)

func (p Prefix) known() bool { return p == PrefixJob || p == PrefixWorker }

// ID identifies a job or a worker process. The zero value is Nil.
//
//nolint:recvcheck // pointer receivers only where the ID is decoded in place.
type ID struct {
	prefix Prefix
	u      uuid.UUID
}

// Nil is the zero ID.
var Nil ID

// JobID identifies a job (prefix "job").
type JobID = ID

// WorkerID identifies a worker process (prefix "wkr").
type WorkerID = ID

// NewJobID returns a fresh job ID.
func NewJobID() ID { return newID(PrefixJob) }

// NewWorkerID returns a fresh worker ID.
func NewWorkerID() ID { return newID(PrefixWorker) }

func newID(p Prefix) ID {
	return ID{prefix: p, u: uuid.Must(uuid.NewV7())}
}

// Parse reads any known ID.
func Parse(s string) (ID, error) {
	prefix, suffix, ok := strings.Cut(s, "_")
	if !ok || prefix == "" {
		return Nil, fmt.Errorf("id: parse %q: missing prefix", s)
	}
	if !Prefix(prefix).known() {
		return Nil, fmt.Errorf("id: parse %q: unknown prefix %q", s, prefix)
	}
	if len(suffix) != 32 || strings.ToLower(suffix) != suffix {
		return Nil, fmt.Errorf("id: parse %q: want 32 lowercase hex digits after the prefix", s)
	}
	var u uuid.UUID
	if _, err := hex.Decode(u[:], []byte(suffix)); err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{prefix: Prefix(prefix), u: u}, nil
}

// ParseJobID reads a job ID and rejects any other kind.
func ParseJobID(s string) (ID, error) { return parseAs(s, PrefixJob) }

// ParseWorkerID reads a worker ID and rejects any other kind.
func ParseWorkerID(s string) (ID, error) { return parseAs(s, PrefixWorker) }

func parseAs(s string, want Prefix) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if v.prefix != want {
		return Nil, fmt.Errorf("id: %q is a %s id, want %s", s, v.prefix, want)
	}
	return v, nil
}

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return i.prefix == "" }

// Prefix returns the entity prefix, empty for Nil.
func (i ID) Prefix() Prefix { return i.prefix }

// UUID returns the underlying UUIDv7.
func (i ID) UUID() uuid.UUID { return i.u }

// Time returns the creation time embedded in the ID at millisecond
// precision.
func (i ID) Time() time.Time {
	if i.IsNil() {
		return time.Time{}
	}
	sec, nsec := i.u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC()
}

// Compare orders IDs by creation time. It returns -1, 0 or +1.
func (i ID) Compare(o ID) int {
	return strings.Compare(i.String(), o.String())
}

// String returns "prefix_hex", or "" for Nil.
func (i ID) String() string {
	if i.IsNil() {
		return ""
	}
	var buf [32]byte
	hex.Encode(buf[:], i.u[:])
	return string(i.prefix) + "_" + string(buf[:])
}

// MarshalText implements encoding.TextMarshaler. Nil marshals to "".
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Nil
		return nil
	}
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Value implements driver.Valuer. Nil is stored as NULL.
func (i ID) Value() (driver.Value, error) {
	if i.IsNil() {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	}
	return fmt.Errorf("id: cannot scan %T into ID", src)
}
