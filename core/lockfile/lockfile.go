// Package lockfile implements mlld.lock.json read/write/pin/integrity
// checking (spec §4.5 steps 6 & 9, §6.2).
//
// Adapted from the teacher's core/planfmt atomic-write + content-hash
// discipline, retargeted from a binary plan envelope to the spec-mandated
// JSON document shape.
package lockfile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mlld-lang/mlld/core/errs"
)

// Module is one pinned entry (spec §6.2).
type Module struct {
	Version         string `json:"version"`
	Resolved        string `json:"resolved"`
	Source          string `json:"source"`
	SourceURL       string `json:"sourceUrl,omitempty"`
	Integrity       string `json:"integrity"`
	FetchedAt       string `json:"fetchedAt"`
	RegistryVersion string `json:"registryVersion,omitempty"`
}

// Config is the lock file's "mode" block.
type Config struct {
	Mode string `json:"mode"` // "user" | "dev" | "prod"
}

// File is the full mlld.lock.json document.
type File struct {
	LockfileVersion int                `json:"lockfileVersion"`
	Config          Config             `json:"config"`
	Modules         map[string]*Module `json:"modules"`
}

// New returns an empty v1 lock file with the given mode.
func New(mode string) *File {
	return &File{LockfileVersion: 1, Config: Config{Mode: mode}, Modules: map[string]*Module{}}
}

// Load reads and parses path; a missing file yields a fresh empty File, not
// an error, since the first import of a project creates the lock file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New("dev"), nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "reading lock file %s", path)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "parsing lock file %s", path)
	}
	if f.Modules == nil {
		f.Modules = map[string]*Module{}
	}
	return &f, nil
}

// Save writes f to path atomically: write to a temp file in the same
// directory, then rename — the lock file is never partially written
// (spec §6.2 "Atomic replace on update; never partially written").
func Save(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "encoding lock file")
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mlld.lock.*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "creating temp lock file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIOError, err, "writing temp lock file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIOError, err, "closing temp lock file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindIOError, err, "renaming lock file into place")
	}
	return nil
}

// ContentHash returns the sha256 integrity digest of content, in the
// "sha256:<hex>" form stored in Module.Integrity.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Pin records ref as resolved with the given content hash and source URL,
// called after the first successful fetch of a registry/URL import
// (spec §4.5 step 9).
func (f *File) Pin(ref, sourceURL string, content []byte, registryVersion string) {
	f.Modules[ref] = &Module{
		Version:         registryVersion,
		Resolved:        ContentHash(content)[len("sha256:"):],
		Source:          ref,
		SourceURL:       sourceURL,
		Integrity:       ContentHash(content),
		FetchedAt:       time.Now().UTC().Format(time.RFC3339),
		RegistryVersion: registryVersion,
	}
}

// Verify checks content against ref's pinned integrity hash, if any.
// Returns nil if ref is unpinned (first fetch), the hash matches, or force
// is set; returns a KindIntegrityMismatch error otherwise (spec §4.5 step 6).
func (f *File) Verify(ref string, content []byte, force bool) error {
	m, ok := f.Modules[ref]
	if !ok {
		return nil
	}
	got := ContentHash(content)
	if got != m.Integrity {
		if force {
			return nil
		}
		return errs.New(errs.KindIntegrityMismatch,
			"%s: content hash %s does not match locked %s (use --force to refresh)", ref, got, m.Integrity)
	}
	return nil
}

// Lookup returns the pinned module entry for ref, if any.
func (f *File) Lookup(ref string) (*Module, bool) {
	m, ok := f.Modules[ref]
	return m, ok
}

func (f *File) String() string {
	return fmt.Sprintf("mlld.lock.json(v%d, %d modules)", f.LockfileVersion, len(f.Modules))
}
