package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxProfileFileSize = 256 * 1024

// Loader loads profiles from a directory of YAML or TOML files, falling
// back to the built-in defaults. Results are cached until Invalidate.
type Loader struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Profile
}

// NewLoader creates a loader. An empty dir means defaults only.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		cache: make(map[string]*Profile),
	}
}

// Dir returns the profile directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Load returns a snapshot of the named profile.
//
// Lookup order: <dir>/<name>.yaml, <dir>/<name>.yml, <dir>/<name>.toml,
// then the built-in defaults. A file that fails to parse is reported as
// an error rather than silently replaced by the default.
func (l *Loader) Load(name string) (*Profile, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrProfileNotFound)
	}

	l.mu.RLock()
	cached, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	p, err := l.read(name)
	if err != nil {
		return nil, err
	}
	withDefaults(p)

	l.mu.Lock()
	l.cache[name] = p
	l.mu.Unlock()

	return p.Clone(), nil
}

// Invalidate drops a cached profile. An empty name drops all of them.
func (l *Loader) Invalidate(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name == "" {
		l.cache = make(map[string]*Profile)
		return
	}
	delete(l.cache, name)
}

// Names lists profiles available from files and defaults, sorted.
func (l *Loader) Names() []string {
	seen := map[string]bool{}
	for name := range Defaults() {
		seen[name] = true
	}
	if l.dir != "" {
		entries, _ := os.ReadDir(l.dir)
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if name, ok := profileNameFromFile(e.Name()); ok {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l *Loader) read(name string) (*Profile, error) {
	if l.dir != "" {
		for _, ext := range []string{".yaml", ".yml", ".toml"} {
			path := filepath.Join(l.dir, name+ext)
			data, err := readLimited(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			var raw map[string]interface{}
			if ext == ".toml" {
				raw, err = parseTOML(data)
			} else {
				raw, err = parseYAML(data)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidProfile, path, err)
			}
			return fromRaw(name, raw)
		}
	}

	if p, ok := Defaults()[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxProfileFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidProfile, path, maxProfileFileSize)
	}
	return os.ReadFile(path)
}

func parseYAML(data []byte) (map[string]interface{}, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, err
	}
	return k.Raw(), nil
}

func parseTOML(data []byte) (map[string]interface{}, error) {
	raw := map[string]interface{}{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func profileNameFromFile(file string) (string, bool) {
	for _, ext := range []string{".yaml", ".yml", ".toml"} {
		if strings.HasSuffix(file, ext) {
			return strings.TrimSuffix(file, ext), true
		}
	}
	return "", false
}

// fromRaw builds a Profile from a decoded document. Gates may be given as
// a bare command string or as a table with command/blocking/timeout/class.
// Both detect_files/detect_extensions and a nested detect table are read.
func fromRaw(name string, raw map[string]interface{}) (*Profile, error) {
	p := &Profile{Name: name, Gates: map[string]Gate{}}
	if n, ok := raw["name"].(string); ok && n != "" {
		p.Name = n
	}

	p.Detect.Files = stringList(raw["detect_files"])
	p.Detect.Extensions = stringList(raw["detect_extensions"])
	if det, ok := raw["detect"].(map[string]interface{}); ok {
		p.Detect.Files = append(p.Detect.Files, stringList(det["files"])...)
		p.Detect.Extensions = append(p.Detect.Extensions, stringList(det["extensions"])...)
	}

	if gates, ok := raw["gates"].(map[string]interface{}); ok {
		for gateName, v := range gates {
			g, err := gateFromRaw(v)
			if err != nil {
				return nil, fmt.Errorf("%w: gate %q: %v", ErrInvalidProfile, gateName, err)
			}
			p.Gates[gateName] = g
		}
	} else if raw["gates"] != nil {
		return nil, fmt.Errorf("%w: gates must be a table", ErrInvalidProfile)
	}

	if models, ok := raw["models"].(map[string]interface{}); ok {
		p.Models.Default = stringOf(models["default"])
		p.Models.Planning = stringOf(models["planning"])
		p.Models.Exploration = stringOf(models["exploration"])
		p.Models.Security = stringOf(models["security"])
		if phases, ok := models["phases"].(map[string]interface{}); ok {
			p.Models.Phases = make(map[string]string, len(phases))
			for phase, m := range phases {
				p.Models.Phases[phase] = stringOf(m)
			}
		}
	}

	if thinking, ok := raw["thinking"].(map[string]interface{}); ok {
		if n, ok := intOf(firstOf(thinking, "max_tokens", "budget_tokens")); ok {
			p.Thinking.MaxTokens = n
		}
		p.Thinking.ExtendedFor = stringList(firstOf(thinking, "extended_for", "keywords"))
	}

	return p, nil
}

func gateFromRaw(v interface{}) (Gate, error) {
	switch t := v.(type) {
	case string:
		return Gate{Command: t, Blocking: true}, nil
	case map[string]interface{}:
		g := Gate{Blocking: true}
		g.Command = stringOf(t["command"])
		if g.Command == "" {
			return Gate{}, fmt.Errorf("missing command")
		}
		if b, ok := t["blocking"]; ok {
			blocking, isBool := b.(bool)
			if !isBool {
				return Gate{}, fmt.Errorf("blocking must be a boolean")
			}
			g.Blocking = blocking
		}
		if raw, ok := t["timeout"]; ok {
			secs, ok := floatOf(raw)
			if !ok || secs < 0 {
				return Gate{}, fmt.Errorf("timeout must be a non-negative number of seconds")
			}
			g.Timeout = time.Duration(secs * float64(time.Second))
		}
		g.Class = GateClass(stringOf(t["class"]))
		return g, nil
	default:
		return Gate{}, fmt.Errorf("must be a string or a table, got %T", v)
	}
}

func firstOf(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func stringOf(v interface{}) string {
	s, _ := v.(string)
	return s
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intOf(v interface{}) (int, bool) {
	f, ok := floatOf(v)
	return int(f), ok
}

func floatOf(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
