package version

// Release version, set with -ldflags "-X .../pkg/version.version=v1.2.3".
var version = "development"

// Commit hash, set the same way.
var commit = ""

func Version() string {
	if version == "" {
		panic("binary compiled with empty version")
	}
	if commit != "" {
		return version + "+" + commit
	}
	return version
}
