package main

import (
	"os"

	"github.com/flxtrace/flxtrace/cmd/flxtrace/cmds"
	"github.com/flxtrace/flxtrace/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.FlxtraceVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
