// Package bundle exposes the server bundle compiled into the library.
//
// The archive and its version marker are embedded at build time from the
// assets directory; release builds replace assets/uiserver.zip with the
// full server distribution for the target platform.
package bundle

import (
	_ "embed"
	"errors"

	"github.com/entrhq/uidriver/pkg/install"
)

//go:embed assets/uiserver.zip
var archive []byte

//go:embed assets/version.txt
var version string

// Embedded is the bundle shipped inside this build.
type Embedded struct{}

// Version returns the embedded marker content.
func (Embedded) Version() string { return version }

// Archive returns the embedded zip archive.
func (Embedded) Archive() ([]byte, error) {
	if len(archive) == 0 {
		return nil, errors.New("embedded server bundle is empty")
	}
	return archive, nil
}

// Default returns the embedded bundle as an install.Bundle.
func Default() install.Bundle { return Embedded{} }
