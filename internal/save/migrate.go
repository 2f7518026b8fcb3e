package save

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MigrationError represents a failure to bring a persisted save up to the
// current schema version. Callers are expected to fall back to a fresh
// profile rather than crash.
type MigrationError struct {
	// Code identifies the error category.
	Code MigrationErrorCode

	// Version is the save's declared version, when one could be read.
	Version string

	// Message is a human-readable description.
	Message string
}

// MigrationErrorCode categorizes migration errors.
type MigrationErrorCode string

const (
	// ErrCodeMalformedSave indicates the blob is not a JSON object or is
	// missing a readable version field.
	ErrCodeMalformedSave MigrationErrorCode = "MALFORMED_SAVE"

	// ErrCodeUnsupportedVersion indicates a version outside the supported
	// migration set.
	ErrCodeUnsupportedVersion MigrationErrorCode = "UNSUPPORTED_VERSION"

	// ErrCodeStepFailed indicates a migration step could not be applied.
	ErrCodeStepFailed MigrationErrorCode = "STEP_FAILED"
)

// Error implements the error interface.
func (e *MigrationError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("%s: %s (version=%s)", e.Code, e.Message, e.Version)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnsupportedVersion returns true if the error is an unsupported-version
// migration error. Uses errors.As to handle wrapped errors.
func IsUnsupportedVersion(err error) bool {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Code == ErrCodeUnsupportedVersion
	}
	return false
}

// migrationStep transforms a decoded save document from one version to the
// next. Steps operate on the generic document because legacy shapes do not
// unmarshal into the current SaveGame type.
type migrationStep struct {
	from  string
	to    string
	apply func(doc map[string]any)
}

// migrations is the ordered chain of version-step transforms. Each step's
// "to" must equal the next step's "from".
var migrations = []migrationStep{
	{from: Version090, to: LatestVersion, apply: migrate090To100},
}

// supportedVersions is the set of versions UpgradeToLatest accepts as input.
var supportedVersions = map[string]bool{
	Version090:    true,
	LatestVersion: true,
}

// ExtractVersion reads the version field from a raw save blob without
// decoding the rest. Returns false when the blob is not a JSON object or
// carries no string version.
func ExtractVersion(raw []byte) (string, bool) {
	var probe struct {
		Version *string `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", false
	}
	if probe.Version == nil || *probe.Version == "" {
		return "", false
	}
	return *probe.Version, true
}

// IsMigratableVersion reports whether saves of the given version can be
// upgraded to the latest schema.
func IsMigratableVersion(version string) bool {
	return supportedVersions[version]
}

// UpgradeToLatest migrates a raw save blob to the current schema version.
// Returns the decoded save and a "from → to" label per step applied.
//
// A save already at the latest version decodes directly with no migration
// labels. Unsupported versions fail closed with a MigrationError; no step
// is ever partially applied.
func UpgradeToLatest(raw []byte) (*SaveGame, []string, error) {
	version, ok := ExtractVersion(raw)
	if !ok {
		return nil, nil, &MigrationError{
			Code:    ErrCodeMalformedSave,
			Message: "save blob has no readable version field",
		}
	}
	if !IsMigratableVersion(version) {
		return nil, nil, &MigrationError{
			Code:    ErrCodeUnsupportedVersion,
			Version: version,
			Message: "no migration path to current schema",
		}
	}

	// Identity fast path.
	if version == LatestVersion {
		sg, err := decodeSave(raw, version)
		if err != nil {
			return nil, nil, err
		}
		return sg, nil, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, &MigrationError{
			Code:    ErrCodeMalformedSave,
			Version: version,
			Message: fmt.Sprintf("decode save document: %v", err),
		}
	}

	applied := make([]string, 0, len(migrations))
	current := version
	for _, step := range migrations {
		if step.from != current {
			continue
		}
		step.apply(doc)
		doc["version"] = step.to
		applied = append(applied, fmt.Sprintf("%s → %s", step.from, step.to))
		current = step.to
	}
	if current != LatestVersion {
		return nil, nil, &MigrationError{
			Code:    ErrCodeUnsupportedVersion,
			Version: version,
			Message: fmt.Sprintf("migration chain stops at %s", current),
		}
	}

	migrated, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, &MigrationError{
			Code:    ErrCodeStepFailed,
			Version: version,
			Message: fmt.Sprintf("re-encode migrated document: %v", err),
		}
	}
	sg, err := decodeSave(migrated, version)
	if err != nil {
		return nil, nil, err
	}
	return sg, applied, nil
}

func decodeSave(raw []byte, version string) (*SaveGame, error) {
	var sg SaveGame
	if err := json.Unmarshal(raw, &sg); err != nil {
		return nil, &MigrationError{
			Code:    ErrCodeMalformedSave,
			Version: version,
			Message: fmt.Sprintf("decode save: %v", err),
		}
	}
	return &sg, nil
}

// Safe economy defaults used when a legacy save carries values that cannot
// be trusted.
const (
	defaultSignal      = 100
	defaultMemoryShard = 5
)

// migrate090To100 upgrades the legacy 0.9.0 shape:
//   - economy.memory_shards (misspelled) becomes economy.memory_shard
//   - missing sceneObjects/economyLedger/mutationTimeline arrays are
//     filled with empty arrays
//   - non-numeric or negative economy values are replaced with safe
//     defaults instead of propagated
func migrate090To100(doc map[string]any) {
	eco, ok := doc["economy"].(map[string]any)
	if !ok {
		eco = map[string]any{}
	}

	if _, present := eco["memory_shard"]; !present {
		if legacy, present := eco["memory_shards"]; present {
			eco["memory_shard"] = legacy
		}
	}
	delete(eco, "memory_shards")

	eco["signal"] = repairCurrency(eco["signal"], defaultSignal)
	eco["memory_shard"] = repairCurrency(eco["memory_shard"], defaultMemoryShard)
	doc["economy"] = eco

	for _, key := range []string{"sceneObjects", "economyLedger", "mutationTimeline"} {
		if _, present := doc[key]; !present || doc[key] == nil {
			doc[key] = []any{}
		}
	}
}

// repairCurrency returns the value as a non-negative whole number, or the
// fallback when it is missing, non-numeric, negative, or fractional.
func repairCurrency(v any, fallback float64) float64 {
	n, ok := v.(float64)
	if !ok || n < 0 || n != float64(int64(n)) {
		return fallback
	}
	return n
}
