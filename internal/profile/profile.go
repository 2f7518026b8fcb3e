// Package profile loads starting profiles from CUE definitions. A profile
// is the template a fresh session bootstraps from: starting economy,
// inventory, quests, and standing world rules.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"loom/internal/protocol"
	"loom/internal/world"
)

// Profile is a starting template for a new session.
type Profile struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Language  string               `json:"language"`
	Seed      int64                `json:"seed"`
	Economy   protocol.Balance     `json:"economy"`
	Inventory []world.Item         `json:"inventory"`
	Quests    []protocol.Quest     `json:"quests"`
	Rules     []protocol.WorldRule `json:"rules"`
}

// LoadError represents an error that occurred during profile loading.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants.
const (
	ErrCodeNotFound       = "P001" // Path not found
	ErrCodeNoFiles        = "P002" // No CUE files found
	ErrCodeLoadFailed     = "P003" // CUE load failed
	ErrCodeBuildFailed    = "P004" // CUE build failed
	ErrCodeNoProfiles     = "P005" // No profiles defined
	ErrCodeBadProfile     = "P006" // Profile failed to decode
	ErrCodeInvalidEconomy = "P101" // Negative starting balance
	ErrCodeBadInventory   = "P102" // Invalid inventory entry
)

// Load reads all .cue files in dir and returns the profiles they define,
// keyed under the top-level "profile" struct, sorted by id.
func Load(dir string) ([]Profile, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("profiles directory not found: %s", dir)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing profiles directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	cueFiles, err := findCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("error scanning directory: %v", err)}
	}
	if len(cueFiles) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	cfg := &load.Config{Dir: dir}
	instances := load.Instances([]string{"."}, cfg)
	if len(instances) == 0 {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}
	}

	profilesVal := value.LookupPath(cue.ParsePath("profile"))
	if !profilesVal.Exists() {
		return nil, &LoadError{Code: ErrCodeNoProfiles, Message: "no top-level profile struct found"}
	}

	iter, err := profilesVal.Fields()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("iterating profiles: %v", err)}
	}

	var profiles []Profile
	for iter.Next() {
		var p Profile
		id := strings.Trim(iter.Label(), `"`)
		if err := iter.Value().Decode(&p); err != nil {
			return nil, &LoadError{
				Code:    ErrCodeBadProfile,
				Message: fmt.Sprintf("profile %q: %v", id, err),
			}
		}
		p.ID = id
		if err := validate(p); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if len(profiles) == 0 {
		return nil, &LoadError{Code: ErrCodeNoProfiles, Message: "profile struct defines no profiles"}
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

// Find returns the profile with the given id.
func Find(profiles []Profile, id string) (Profile, bool) {
	for _, p := range profiles {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

func validate(p Profile) error {
	if p.Economy.IsNegative() {
		return &LoadError{
			Code:    ErrCodeInvalidEconomy,
			Message: fmt.Sprintf("profile %q: starting balance must be non-negative", p.ID),
		}
	}
	seen := make(map[string]bool, len(p.Inventory))
	for _, item := range p.Inventory {
		if item.ID == "" {
			return &LoadError{
				Code:    ErrCodeBadInventory,
				Message: fmt.Sprintf("profile %q: inventory item with empty id", p.ID),
			}
		}
		if item.Quantity <= 0 {
			return &LoadError{
				Code:    ErrCodeBadInventory,
				Message: fmt.Sprintf("profile %q: item %q has non-positive quantity", p.ID, item.ID),
			}
		}
		if seen[item.ID] {
			return &LoadError{
				Code:    ErrCodeBadInventory,
				Message: fmt.Sprintf("profile %q: duplicate item id %q", p.ID, item.ID),
			}
		}
		seen[item.ID] = true
	}
	return nil
}

// findCUEFiles walks the directory and returns all .cue file paths.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
