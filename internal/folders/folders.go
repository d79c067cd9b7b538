// Package folders maps model folder names such as "checkpoints" or "loras" to the
// directories that hold them.
package folders

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"gopkg.in/yaml.v3"
)

// DefaultNames are the folders created under the models directory.
var DefaultNames = []string{
	"checkpoints",
	"loras",
	"vae",
	"upscale_models",
	"controlnet",
	"embeddings",
	"clip",
	"clip_vision",
	"diffusion_models",
	"text_encoders",
	"unet",
	"hypernetworks",
	"style_models",
	"photomaker",
	"gligen",
}

// maxSuggestDistance bounds the edit distance of a "did you mean" suggestion.
const maxSuggestDistance = 3

// UnknownFolderError is returned for a folder name that has no directory.
type UnknownFolderError struct {
	Name       string
	Suggestion string
}

func (e *UnknownFolderError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("Invalid folder: %s (did you mean %q?)", e.Name, e.Suggestion)
	}

	return fmt.Sprintf("Invalid folder: %s", e.Name)
}

// InvalidFilenameError is returned for a filename that would leave its folder.
type InvalidFilenameError struct {
	Filename string
}

func (e *InvalidFilenameError) Error() string {
	return fmt.Sprintf("Invalid filename: %s", e.Filename)
}

// Folders is safe for concurrent use.
type Folders struct {
	mu    sync.RWMutex
	paths map[string][]string
}

// New returns the default layout rooted at modelsDir.
func New(modelsDir string) *Folders {
	f := &Folders{paths: make(map[string][]string, len(DefaultNames))}

	for _, name := range DefaultNames {
		f.paths[name] = []string{filepath.Join(modelsDir, name)}
	}

	return f
}

// Add registers dir for name. A default directory goes first and becomes the download
// destination.
func (f *Folders) Add(name, dir string, isDefault bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir = filepath.Clean(dir)

	paths := slices.DeleteFunc(slices.Clone(f.paths[name]), func(p string) bool { return p == dir })
	if isDefault {
		paths = append([]string{dir}, paths...)
	} else {
		paths = append(paths, dir)
	}

	f.paths[name] = paths
}

// Names returns the known folder names, sorted.
func (f *Folders) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.paths))
	for name := range f.paths {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Paths returns every directory registered for name.
func (f *Folders) Paths(name string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return slices.Clone(f.paths[name])
}

// Dir returns the download directory for name.
func (f *Folders) Dir(name string) (string, error) {
	f.mu.RLock()
	paths := f.paths[name]
	f.mu.RUnlock()

	if len(paths) == 0 {
		return "", &UnknownFolderError{Name: name, Suggestion: f.Suggest(name)}
	}

	return paths[0], nil
}

// Destination returns the file path for filename inside folder. Filenames may contain
// sub-directories but must stay inside the folder.
func (f *Folders) Destination(folder, filename string) (string, error) {
	dir, err := f.Dir(folder)
	if err != nil {
		return "", err
	}

	clean := filepath.Clean(filepath.FromSlash(filename))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &InvalidFilenameError{Filename: filename}
	}

	return filepath.Join(dir, clean), nil
}

// Suggest returns the closest known folder name, or "" when nothing is close.
func (f *Folders) Suggest(name string) string {
	if name == "" {
		return ""
	}

	names := f.Names()

	ranks := fuzzy.RankFindNormalizedFold(name, names)
	if len(ranks) > 0 {
		sort.Sort(ranks)

		return ranks[0].Target
	}

	best, bestDist := "", maxSuggestDistance+1

	for _, candidate := range names {
		d := fuzzy.LevenshteinDistance(strings.ToLower(name), candidate)
		if d < bestDist {
			best, bestDist = candidate, d
		}
	}

	return best
}

// LoadFile merges an extra_model_paths style YAML file:
//
//	comfyui:
//	  base_path: /data/comfy
//	  is_default: true
//	  checkpoints: models/checkpoints
//	  loras: |
//	    models/loras
//	    models/loras_extra
//
// Relative paths are resolved against base_path, then against the file's directory.
func (f *Folders) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read folders file: %w", err)
	}

	var doc map[string]map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse folders file %s: %w", path, err)
	}

	root := filepath.Dir(path)

	sections := make([]string, 0, len(doc))
	for name := range doc {
		sections = append(sections, name)
	}

	sort.Strings(sections)

	for _, section := range sections {
		if err := f.loadSection(root, doc[section]); err != nil {
			return fmt.Errorf("folders file %s, section %s: %w", path, section, err)
		}
	}

	return nil
}

func (f *Folders) loadSection(root string, entries map[string]any) error {
	base := root

	if v, ok := entries["base_path"]; ok {
		s, ok := v.(string)
		if !ok {
			return errors.New("base_path must be a string")
		}

		base = resolve(root, expandHome(s))
	}

	isDefault, _ := entries["is_default"].(bool)

	keys := make([]string, 0, len(entries))
	for k := range entries {
		if k != "base_path" && k != "is_default" {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	for _, name := range keys {
		s, ok := entries[name].(string)
		if !ok {
			return fmt.Errorf("%s must be a string", name)
		}

		var dirs []string

		for _, line := range strings.Split(s, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				dirs = append(dirs, resolve(base, expandHome(line)))
			}
		}

		// defaults are prepended one by one, so add them back to front
		if isDefault {
			slices.Reverse(dirs)
		}

		for _, dir := range dirs {
			f.Add(name, dir, isDefault)
		}
	}

	return nil
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(base, p)
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}

	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
