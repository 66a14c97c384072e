package config

import "fmt"

// CurrentVersion is the config file format this build reads.
const CurrentVersion = 1

// VersionReason says why a config version was refused.
type VersionReason string

const (
	VersionMissing  VersionReason = "missing"
	VersionOutdated VersionReason = "outdated"
	VersionTooNew   VersionReason = "newer than this build"
)

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
	Reason  VersionReason
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case VersionMissing:
		return fmt.Sprintf("config version is missing; add `version: %d`", e.Current)
	case VersionTooNew:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade livewire", e.Version, e.Current)
	default:
		return fmt.Sprintf("config version %d is %s (current: %d)", e.Version, e.Reason, e.Current)
	}
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	var reason VersionReason
	switch {
	case version <= 0:
		reason = VersionMissing
	case version < CurrentVersion:
		reason = VersionOutdated
	case version > CurrentVersion:
		reason = VersionTooNew
	default:
		return nil
	}
	return &VersionError{Version: version, Current: CurrentVersion, Reason: reason}
}
