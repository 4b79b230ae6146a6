package version

import (
	"runtime/debug"
)

// ApplicationName is used in window titles and banners
const ApplicationName = "StillSource"

// number is set by the release build with -ldflags "-X ...version.number=v1.2.3"
var number string

var revision string

// Version returns the version string and the vcs revision. Builds without a
// release number report "unreleased".
func Version() (string, string) {
	v := number
	if v == "" {
		v = "unreleased"
	}
	return v, revision
}

func init() {
	revision = "no revision information"

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if modified {
		revision += "+dirty"
	}
}
