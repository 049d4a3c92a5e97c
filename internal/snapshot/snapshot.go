// Package snapshot provides the durable write-then-rename snapshot
// discipline shared by the list configuration and the pending-request store.
//
// Every save writes a process-unique temporary file in the same directory,
// syncs it, rotates the previous primary to a ".last" sibling via hard link
// (not copy, so there is no partial-write window), and renames the temp over
// the primary. Loads try the primary first and fall back to ".last", so a
// crash mid-save costs at most one generation.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrCorrupt is returned by Load when neither the primary file nor its
// backup could be decoded. Operations on the affected list must stop until
// an administrator repairs the files; guessing at partial data loses
// requests silently.
var ErrCorrupt = errors.New("snapshot: primary and backup are both corrupt")

// BackupSuffix is appended to the primary path for the previous generation.
const BackupSuffix = ".last"

// Save atomically replaces path with the JSON encoding of v, rotating the
// previous contents to path+".last". mode applies to newly created files.
func Save(path string, v interface{}, mode os.FileMode) error {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	tmp := fmt.Sprintf("%s.tmp.%s.%d", path, host, os.Getpid())

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("snapshot: creating %s: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: encoding %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: closing %s: %w", tmp, err)
	}

	// Rotate primary -> .last. The primary may not exist yet.
	last := path + BackupSuffix
	if err := os.Remove(last); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: rotating %s: %w", last, err)
	}
	if err := os.Link(path, last); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: backing up %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: installing %s: %w", path, err)
	}
	return nil
}

// Load decodes path into v, falling back to path+".last" if the primary is
// missing or undecodable. It returns the name of the file that served, so
// callers can log a backup fallback. If neither file exists the error
// satisfies errors.Is(err, fs.ErrNotExist); if both exist but neither
// decodes, the error satisfies errors.Is(err, ErrCorrupt).
func Load(path string, v interface{}) (string, error) {
	primaryErr := decodeFile(path, v)
	if primaryErr == nil {
		return path, nil
	}

	last := path + BackupSuffix
	lastErr := decodeFile(last, v)
	if lastErr == nil {
		return last, nil
	}

	if errors.Is(primaryErr, fs.ErrNotExist) && errors.Is(lastErr, fs.ErrNotExist) {
		return "", fmt.Errorf("snapshot: %s: %w", path, fs.ErrNotExist)
	}
	return "", fmt.Errorf("%w: %s (%v); %s (%v)", ErrCorrupt, path, primaryErr, last, lastErr)
}

func decodeFile(name string, v interface{}) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}
