package main

import (
	"os"

	"github.com/go-pyspect/pyspect/cmd/pyspect/cmds"
	"github.com/go-pyspect/pyspect/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.PyspectVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
