// Package version carries this module's own build identity, printed by
// cmd/sandboxrun -version.
package version

import (
	"fmt"
	"io"
)

const (
	MajorVersion int = 0
	MinorVersion int = 1
	PointVersion int = 0
)

// PrintVersion writes a one-line version identifier to wtr.
func PrintVersion(wtr io.Writer) {
	fmt.Fprintf(wtr, "sandboxcore %d.%d.%d\n", MajorVersion, MinorVersion, PointVersion)
}
