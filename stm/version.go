package stm

import "github.com/kolkov/orecstm/internal/stm/config"

// Version information for the runtime.
const (
	// Version is the current version of the STM runtime.
	Version = "0.1.0"

	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)

// Info describes the runtime build.
type Info struct {
	Version string

	// SchemaVersion is the configuration schema this build reads.
	SchemaVersion string

	// DefaultAlgorithm is used when the configuration names none.
	DefaultAlgorithm string

	// Algorithms lists every selectable algorithm.
	Algorithms []string
}

// GetInfo returns build information.
func GetInfo() Info {
	return Info{
		Version:          Version,
		SchemaVersion:    config.SchemaVersion,
		DefaultAlgorithm: config.Default().Algorithm,
		Algorithms:       Algorithms(),
	}
}
