package config

import "fmt"

// CurrentVersion is the configuration file version this build reads.
const CurrentVersion = 1

// Reasons a configuration version is rejected.
const (
	VersionMissing = "missing"
	VersionNewer   = "newer than this build"
)

// VersionError reports a version field this build cannot read.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case VersionNewer:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade ragbench", e.Version, e.Current)
	case VersionMissing:
		return fmt.Sprintf("config version is missing; set `version: %d` at the top of the file", e.Current)
	default:
		return fmt.Sprintf("config version %d is unsupported (current: %d)", e.Version, e.Current)
	}
}

// ValidateVersion accepts exactly CurrentVersion. There is no older format
// to migrate from, so anything below 1 is treated as missing.
func ValidateVersion(version int) error {
	switch {
	case version < 1:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: VersionMissing}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: VersionNewer}
	}
	return nil
}
