package updater

import (
	"encoding/json"
	"os"
	"strings"

	"golang.org/x/mod/semver"
)

// NotInstalled is reported for components without a readable package.json.
const NotInstalled = "not installed"

// LocalVersion reads the version field of a package.json.
func LocalVersion(packageJSON string) string {
	data, err := os.ReadFile(packageJSON)
	if err != nil {
		return NotInstalled
	}
	var pkg struct {
		Version string `json:"version"`
	}
	if json.Unmarshal(data, &pkg) != nil || pkg.Version == "" {
		return NotInstalled
	}
	return pkg.Version
}

// Newer reports whether latest is a newer release than current. A current
// version that does not parse (missing install, dev build) is always older
// than a valid latest.
func Newer(current, latest string) bool {
	l := canonical(latest)
	if l == "" {
		return false
	}
	c := canonical(current)
	if c == "" {
		return true
	}
	return semver.Compare(l, c) > 0
}

// canonical converts npm-style versions to the "v"-prefixed form semver
// expects, or "" if the version is invalid.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimLeft(v, "vV")
	if v == "" {
		return ""
	}
	v = "v" + v
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}
