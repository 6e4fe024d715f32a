// Package fsutil provides the write-temp-then-rename primitives the
// rest of the broker uses wherever a reader must never observe a
// partial or invalid file.
package fsutil

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AtomicWriteJSON marshals v and writes it to path such that readers
// never see a partial file: the payload is written to a sibling temp
// file, fsynced, and renamed into place. This is the JSON counterpart of
// the reference codebase's internal/yaml.AtomicWrite, which does the
// same dance for YAML documents.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return AtomicWriteRaw(path, data)
}

// AtomicWriteRaw writes content to path via a temp file in the same
// directory, validated as JSON before the rename, then os.Rename into
// place — the rename is atomic on a single filesystem, which is the
// property every on-disk contract in §6 relies on.
func AtomicWriteRaw(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".broker-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// Best-effort cleanup; after a successful rename tmpPath no
		// longer exists and this is a no-op.
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}

	if err := validateJSON(tmpPath); err != nil {
		return fmt.Errorf("validate temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file into %s: %w", path, err)
	}
	return nil
}

// ReadJSONIfExists unmarshals the file at path into v, returning
// (false, nil) if the file is absent. Callers use this to implement
// "absence or partial reads mean not yet" (§6's atomicity rule) without
// repeating the os.IsNotExist dance at every call site.
func ReadJSONIfExists(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return true, nil
}

func validateJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var v any
	return json.Unmarshal(data, &v)
}

// AtomicRename moves src to dst atomically, returning a sentinel-free
// error so the caller (the Lifecycle Engine's claim step, §4.6 Step B)
// can tell an ordinary "file vanished" race from a real I/O failure via
// os.IsNotExist.
func AtomicRename(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("ensure dir for %s: %w", dst, err)
	}
	return os.Rename(src, dst)
}

// CopyFile duplicates src to dst via io.Copy into a temp file in dst's
// directory, then renames it into place. The response writer does not
// use it: its failed/ mirror is written with AtomicWriteJSON.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("ensure dir for %s: %w", dst, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".broker-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", dst, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy into temp file for %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file for %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for %s: %w", dst, err)
	}
	return os.Rename(tmpPath, dst)
}
