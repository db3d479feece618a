// Package identity computes content-derived record fingerprints.
//
// An Identity is the MD5 digest of the dataset name, the record type and the
// canonical string of every column value except the load timestamp. Two
// identities are equal iff their digests are byte-equal.
package identity

import (
	"crypto"
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Benny93/rowmerge/internal/logging"
	"github.com/Benny93/rowmerge/internal/record"
)

// Size is the digest length in bytes.
const Size = md5.Size

// HexLen is the length of the hexadecimal rendering.
const HexLen = 2 * Size

// nullHex is what Hex renders for an identity without a digest.
var nullHex = fmt.Sprintf("%*s", HexLen, record.NullToken)

var (
	// ErrDigestUnavailable means the runtime cannot produce MD5 digests.
	ErrDigestUnavailable = errors.New("md5 digest unavailable")

	// ErrInvalidHex is logged when FromHex is given malformed input.
	ErrInvalidHex = errors.New("invalid identity hex")
)

// digestAvailable is swapped in tests.
var digestAvailable = crypto.MD5.Available

// Identity is an immutable record fingerprint. The zero value is invalid.
type Identity struct {
	digest []byte

	// hash memoizes Hash; zero means not yet computed.
	hash atomic.Uint32
}

// Compute fingerprints a value tuple. excluded is the index of the column
// left out of the digest, or record.NoTimestamp.
func Compute(dataset, recordType string, values []any, excluded int) (*Identity, error) {
	if !digestAvailable() {
		return nil, ErrDigestUnavailable
	}

	var b strings.Builder
	b.WriteString(dataset)
	b.WriteByte(' ')
	b.WriteString(recordType)
	for i, v := range values {
		if i == excluded {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(record.CanonicalString(v))
	}

	sum := md5.Sum([]byte(b.String())) //nolint:gosec
	return &Identity{digest: sum[:]}, nil
}

// ForRecord fingerprints rec within dataset, skipping its load timestamp.
func ForRecord(dataset string, rec record.Record) (*Identity, error) {
	return Compute(dataset, rec.RecordType(), rec.ColumnValues(), rec.LoadTimestampIndex())
}

// FromHex rebuilds an identity from its persisted form. Malformed input is
// logged and yields an invalid identity; check IsValid before use.
func FromHex(s string, opts ...Option) *Identity {
	o := options{logger: logging.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err == nil && len(raw) != Size {
		err = fmt.Errorf("expected %d bytes, got %d", Size, len(raw))
	}
	if err != nil {
		o.logger.Warn().Err(fmt.Errorf("%w: %v", ErrInvalidHex, err)).Str("hex", s).Msg("cannot rebuild identity")
		return &Identity{}
	}
	return &Identity{digest: raw}
}

// IsValid reports whether the identity carries a digest.
func (id *Identity) IsValid() bool {
	return id != nil && len(id.digest) == Size
}

// Equal compares digests in constant time.
func (id *Identity) Equal(other *Identity) bool {
	if id == nil || other == nil {
		return id == other
	}
	if len(id.digest) != len(other.digest) {
		return false
	}
	return subtle.ConstantTimeCompare(id.digest, other.digest) == 1
}

// Hex renders the digest in upper case. An invalid identity renders as a
// right-aligned null placeholder of the same width.
func (id *Identity) Hex() string {
	if !id.IsValid() {
		return nullHex
	}
	return strings.ToUpper(hex.EncodeToString(id.digest))
}

// String implements fmt.Stringer.
func (id *Identity) String() string { return id.Hex() }

// Bytes returns a copy of the digest.
func (id *Identity) Bytes() []byte {
	if id == nil {
		return nil
	}
	out := make([]byte, len(id.digest))
	copy(out, id.digest)
	return out
}

// Key returns the digest as a comparable array for use as a map key.
func (id *Identity) Key() [Size]byte {
	var k [Size]byte
	if id != nil {
		copy(k[:], id.digest)
	}
	return k
}

// Hash returns a 32-bit hash of the digest, computed once.
func (id *Identity) Hash() uint32 {
	if id == nil {
		return 0
	}
	if h := id.hash.Load(); h != 0 {
		return h
	}
	f := fnv.New32a()
	_, _ = f.Write(id.digest)
	h := f.Sum32()
	if h == 0 {
		h = 1
	}
	id.hash.Store(h)
	return h
}

// MarshalText implements encoding.TextMarshaler.
func (id *Identity) MarshalText() ([]byte, error) {
	if !id.IsValid() {
		return nil, ErrInvalidHex
	}
	return []byte(id.Hex()), nil
}

// Option configures FromHex.
type Option func(*options)

type options struct {
	logger *zerolog.Logger
}

// WithLogger sets the logger used for malformed input.
func WithLogger(l *zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}
