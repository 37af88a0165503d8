package scripts

import (
	"crypto/sha1"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// Script names exposed by the builtin table.
const (
	Set      = "set"
	Delete   = "delete"
	Clear    = "clear"
	Add      = "add"
	Remove   = "remove"
	Tracking = "tracking"
)

// Tracking sub-operations, passed as the first script argument after the key.
const (
	TrackGetAll  = "getall"
	TrackIncr    = "incr"
	TrackDecr    = "decr"
	TrackDel     = "del"
	TrackClear   = "clear"
	TrackRefresh = "refresh"
	TrackSweep   = "sweep"
)

//go:embed lua/*.lua
var sources embed.FS

// Binding describes one atomic script: the name it is called by, the
// minimum number of arguments (store key included) and its source.
type Binding struct {
	Name   string
	Arity  int
	Source string
}

// Digest returns the digest the store reports for the binding's source.
func (b Binding) Digest() string {
	return Digest(b.Source)
}

// Digest returns the SHA-1 hex digest of a script source, which is what
// Redis returns from SCRIPT LOAD.
func Digest(source string) string {
	sum := sha1.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Builtin returns the scripts every process registers at startup.
//
// Every script takes its store key as the first argument. Arities:
//
//	set      key field value payload
//	delete   key field payload
//	clear    key payload
//	add      key member payload
//	remove   key member payload
//	tracking key op pid nowMs ttlMs [field]
func Builtin() []Binding {
	return []Binding{
		{Name: Set, Arity: 4, Source: mustSource("set")},
		{Name: Delete, Arity: 3, Source: mustSource("delete")},
		{Name: Clear, Arity: 2, Source: mustSource("clear")},
		{Name: Add, Arity: 3, Source: mustSource("add")},
		{Name: Remove, Arity: 3, Source: mustSource("remove")},
		{Name: Tracking, Arity: 5, Source: mustSource("tracking")},
	}
}

func mustSource(name string) string {
	b, err := sources.ReadFile("lua/" + name + ".lua")
	if err != nil {
		panic(fmt.Sprintf("scripts: missing embedded source %s: %v", name, err))
	}
	return string(b)
}

// Discover builds bindings from a directory of files named
// <name>-<arity>.lua, the layout older deployments kept scripts in.
// Files that do not match the pattern are skipped; a duplicate name is an error.
func Discover(fsys fs.FS) ([]Binding, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read script dir: %w", err)
	}

	var out []Binding
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".lua" {
			continue
		}
		name, arity, ok := ParseFilename(e.Name())
		if !ok {
			continue
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate script %q", name)
		}
		seen[name] = true

		src, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read script %s: %w", e.Name(), err)
		}
		out = append(out, Binding{Name: name, Arity: arity, Source: string(src)})
	}

	slices.SortFunc(out, func(a, b Binding) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// ParseFilename splits "name-arity.ext" into its name and arity.
func ParseFilename(filename string) (string, int, bool) {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	idx := strings.LastIndex(base, "-")
	if idx <= 0 || idx == len(base)-1 {
		return "", 0, false
	}
	arity, err := strconv.Atoi(base[idx+1:])
	if err != nil || arity < 1 {
		return "", 0, false
	}
	return base[:idx], arity, true
}
