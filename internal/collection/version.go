package collection

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// VersionFileName holds the storage version string in a collection directory.
const VersionFileName = "version"

// CurrentVersion is the storage version written by this build.
const CurrentVersion = "0.4.2"

// Version is a parsed semantic version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a "major.minor.patch" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)
	if len(parts) != 3 {
		return Version{}, errors.Errorf("malformed version %q", s)
	}
	var v Version
	if _, err := fmt.Sscanf(parts[0], "%d", &v.Major); err != nil {
		return Version{}, errors.Wrapf(err, "malformed major version in %q", s)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &v.Minor); err != nil {
		return Version{}, errors.Wrapf(err, "malformed minor version in %q", s)
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &v.Patch); err != nil {
		return Version{}, errors.Wrapf(err, "malformed patch version in %q", s)
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Greater reports whether v is newer than other.
func (v Version) Greater(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch > other.Patch
}

// CanUpgradeStorage reports whether storage written by stored can be opened
// by app: same major, same minor, and at most one patch version ahead.
//
//	0.4.0 -> 0.4.1 = true
//	0.4.0 -> 0.4.2 = false
//	0.4.0 -> 0.5.0 = false
func CanUpgradeStorage(stored, app Version) bool {
	if stored.Major != app.Major {
		return false
	}
	if stored.Minor != app.Minor {
		return false
	}
	return app.Patch <= stored.Patch+1
}

// SaveVersion writes the current storage version into dir.
func SaveVersion(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, VersionFileName), []byte(CurrentVersion), 0o644); err != nil {
		return errors.Wrap(err, "write storage version")
	}
	return nil
}

// LoadVersion reads the storage version persisted in dir.
func LoadVersion(dir string) (Version, error) {
	data, err := os.ReadFile(filepath.Join(dir, VersionFileName))
	if err != nil {
		return Version{}, errors.Wrap(err, "read storage version")
	}
	return ParseVersion(string(data))
}
