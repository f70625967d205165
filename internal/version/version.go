// Package version decides when an artifact gets a new version, commits
// snapshots, and resolves version specs back to snapshot directories.
package version

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrVersionNotFound    = errors.New("version not found")
	ErrVersionOutOfRange  = errors.New("version offset out of range")
	ErrInvalidVersionSpec = errors.New("invalid version spec")
	ErrSnapshotMissing    = errors.New("snapshot directory missing")
	ErrNotInteractive     = errors.New("interactive version selection requires a terminal")
	ErrParentsMalformed   = errors.New("parents descriptor malformed")
	ErrNoVersions         = errors.New("artifact has no versions")
)

// Policy controls when Save records a new version.
type Policy string

const (
	PolicyContent   Policy = "content"
	PolicyTimestamp Policy = "timestamp"
	PolicyOff       Policy = "off"
)

// ParsePolicy accepts a policy name; empty means content.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyContent:
		return PolicyContent, nil
	case PolicyTimestamp:
		return PolicyTimestamp, nil
	case PolicyOff:
		return PolicyOff, nil
	default:
		return "", fmt.Errorf("unknown versioning policy %q (use content, timestamp or off)", s)
	}
}

// Reason explains a save decision.
type Reason string

const (
	ReasonNoChange        Reason = "no_change"
	ReasonContentChanged  Reason = "content_changed"
	ReasonCodeChanged     Reason = "code_changed"
	ReasonMissingMetadata Reason = "missing_metadata"
	ReasonForced          Reason = "forced"
	// ReasonTimestamp is reported when the timestamp policy saves unchanged content.
	ReasonTimestamp Reason = "timestamp"
)

// Decision is the outcome of ShouldSave.
type Decision struct {
	Save        bool   `json:"save"`
	Reason      Reason `json:"reason"`
	ContentHash string `json:"content_hash"`
	CodeHash    string `json:"code_hash,omitempty"`
}

// IDLayout is the timestamp prefix of every version id.
const IDLayout = "20060102T150405.000Z"

// NewID builds a version id from the commit time and content hash. The
// suffix mixes in a random uuid so two commits in the same millisecond
// differ.
func NewID(at time.Time, contentHash string) string {
	sum := sha256.Sum256([]byte(contentHash + uuid.NewString()))
	return at.UTC().Format(IDLayout) + "-" + hex.EncodeToString(sum[:4])
}

// IDTime parses the timestamp prefix of a version id.
func IDTime(id string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(IDLayout, prefix)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SpecError is a rejected version spec. It names the valid range and the
// known ids so the caller can recover.
type SpecError struct {
	Path string
	Spec string
	Err  error
	// Available is the number of versions on record.
	Available int
	Known     []string
}

func (e *SpecError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: version %q: %v", e.Path, e.Spec, e.Err)
	switch {
	case e.Available == 0:
		b.WriteString(" (no versions recorded)")
	case errors.Is(e.Err, ErrVersionNotFound):
		fmt.Fprintf(&b, " (known: %s)", strings.Join(e.Known, ", "))
	default:
		fmt.Fprintf(&b, " (valid range: 0 (latest) through -%d)", e.Available-1)
	}
	return b.String()
}

func (e *SpecError) Unwrap() error { return e.Err }
