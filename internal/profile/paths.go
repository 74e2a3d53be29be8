package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.roamchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".roamchat")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the client cache database path for a profile.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// ServerDBPath returns the default server database path.
func ServerDBPath() string {
	return filepath.Join(BaseDir(), "chatd.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the client daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatc.log")
}

// ServerLogPath returns the server daemon log file path.
func ServerLogPath() string {
	return filepath.Join(BaseDir(), "logs", "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
