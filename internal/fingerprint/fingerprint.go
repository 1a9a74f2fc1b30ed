// Package fingerprint computes the content hashes that gate the image build.
//
// A Set maps an input name (dockerfile, handler, manifest, ...) to the sha256
// of that file. The build re-runs when any entry differs from the one recorded
// in state.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Input is a named file tracked by the build trigger.
type Input struct {
	Name string
	Path string
}

// Set is the fingerprint of all tracked inputs.
type Set map[string]string

// File returns the hex sha256 of a file's contents.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Interpreter caches written by running the code locally. They never change
// what the image does.
var (
	ignoredDirs = map[string]bool{
		"__pycache__":   true,
		".pytest_cache": true,
		".mypy_cache":   true,
	}
	ignoredSuffixes = []string{".pyc", ".pyo"}
)

func ignored(info os.FileInfo) bool {
	if info.IsDir() {
		return ignoredDirs[info.Name()]
	}
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(info.Name(), suffix) {
			return true
		}
	}
	return false
}

// Dir returns one hash over every regular file under path: each file's
// slash-separated relative path and content hash, in sorted order.
// Bytecode and cache directories are skipped.
func Dir(path string) (string, error) {
	var entries []string
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p != path && ignored(info) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		sum, err := File(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		entries = append(entries, filepath.ToSlash(rel)+":"+sum)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(entries)

	h := sha256.New()
	for _, entry := range entries {
		h.Write([]byte(entry + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Compute hashes every input relative to dir. Directories are hashed whole. A missing input is an error:
// the build cannot be reproduced without it.
func Compute(dir string, inputs []Input) (Set, error) {
	set := Set{}
	for _, in := range inputs {
		path := in.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("unable to fingerprint %s: %w", in.Name, err)
		}
		hash := File
		if info.IsDir() {
			hash = Dir
		}
		sum, err := hash(path)
		if err != nil {
			return nil, fmt.Errorf("unable to fingerprint %s: %w", in.Name, err)
		}
		set[in.Name] = sum
	}
	return set, nil
}

// Key combines the set into one cache key, independent of map order.
func (s Set) Key() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k + ":" + s[k] + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Changed lists the entries that differ from prior, sorted.
func (s Set) Changed(prior Set) []string {
	var changed []string
	for k, v := range s {
		if prior[k] != v {
			changed = append(changed, k)
		}
	}
	for k := range prior {
		if _, ok := s[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
