package types

import "time"

// ControllerSettings is an immutable snapshot of the engine controller's
// operational parameters, read from a config map. A new snapshot replaces
// the old one whole; fields are never mutated in place.
type ControllerSettings struct {
	Namespace                string
	BootstrapURL             string
	MaxEngines               int
	EngineLabel              string
	EngineImage              string
	NodeArch                 string
	RunPoll                  time.Duration
	EncryptionKeysSecretName string

	EngineCPURequest    string
	EngineCPULimit      string
	EngineMemoryRequest string
	EngineMemoryLimit   string

	// Version is the resourceVersion of the config map this snapshot was
	// parsed from.
	Version string
}
