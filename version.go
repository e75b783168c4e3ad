package cowdb

import "fmt"

// Version constants
const (
	// Major is the major version number
	Major = 0

	// Minor is the minor version number
	Minor = 1

	// Patch is the patch version number
	Patch = 0
)

// Version returns the library version and the data file format it writes.
func Version() string {
	return fmt.Sprintf("cowdb %d.%d.%d (format %d)", Major, Minor, Patch, FormatVersion)
}
