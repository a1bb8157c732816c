// Package session resolves the per-profile directory layout under
// ~/.tether. Each device profile owns its queue database, logs and lock.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// BaseDir returns ~/.tether.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tether")
}

// Dir returns the profile-specific directory.
func Dir(profile string) string {
	return filepath.Join(BaseDir(), "profiles", profile)
}

// QueueDBPath returns the offline-queue database path.
func QueueDBPath(profile string) string {
	return filepath.Join(Dir(profile), "queue.db")
}

// LockPath returns the lock file path for a profile.
func LockPath(profile string) string {
	return filepath.Join(Dir(profile), "LOCK")
}

// LogPath returns the engine log file path.
func LogPath(profile string) string {
	return filepath.Join(Dir(profile), "logs", "tetherd.log")
}

// ConfigPath returns the profile config file path.
func ConfigPath(profile string) string {
	return filepath.Join(Dir(profile), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only
// permissions.
func EnsureDir(profile string) error {
	for _, d := range []string{Dir(profile), filepath.Join(Dir(profile), "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidateName rejects profile names that would escape the profile tree
// or produce awkward paths.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid profile name %q", name)
	}
	return nil
}

// Resolve picks the profile name: explicit flag wins, then the
// TETHER_PROFILE environment variable, then "default".
func Resolve(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("TETHER_PROFILE"); env != "" {
		return env
	}
	return "default"
}
