package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SafeName makes a game name usable as a file-system component by
// replacing spaces with underscores.
func SafeName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// ArtifactName returns the archive file name for a game version,
// "{name}_{version}.zip" with spaces replaced.
func ArtifactName(name, version string) string {
	return SafeName(fmt.Sprintf("%s_%s.zip", name, version))
}

// ArtifactPath returns the on-disk path of a game version's archive.
func ArtifactPath(artifactsDir, name, version string) string {
	return filepath.Join(artifactsDir, ArtifactName(name, version))
}

// InstallPath returns the directory a game's archive is unpacked into.
func InstallPath(installDir, name string) string {
	return filepath.Join(installDir, SafeName(name))
}
