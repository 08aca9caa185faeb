package build

import "fmt"

var (
	// version is the built version.
	// Set with ldflags: -ldflags="-X github.com/alfredolopez80/vector/pkg/build.version=v{{.Version}}".
	version string
	// Version is the current version of the vector protocol node.
	Version string
	// UserAgent identifies this build to counterparties and RPC endpoints.
	UserAgent string
)

func init() {
	if version == "" {
		version = "v0.0.0-dev"
	}
	Version = version
	UserAgent = fmt.Sprintf("vector/%s", Version)
}
