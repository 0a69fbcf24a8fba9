package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	want := "Version: 1.2.3-rc1\nBuild: abcdef"
	if got := v.String(); got != want {
		t.Errorf("got %q, expected %q", got, want)
	}
}

func TestBuildInfo(t *testing.T) {
	if !strings.HasPrefix(BuildInfo(), runtime.Version()) {
		t.Errorf("build info does not start with the go version: %q", BuildInfo())
	}
}
