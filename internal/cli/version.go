package cli

import (
	"runtime/debug"
)

var buildVersion = "dev"

func init() {
	buildVersion = resolveBuildVersion(buildVersion)
}

// Version is the build version reported by the CLI and the daemon.
func Version() string {
	return buildVersion
}

func resolveBuildVersion(defaultVersion string) string {
	if defaultVersion != "" && defaultVersion != "dev" {
		return defaultVersion
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return defaultVersion
	}
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return defaultVersion
	}
	return info.Main.Version
}
