package platform

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "ampfin"

type dirKind int

const (
	dataDir dirKind = iota
	configDir
)

// GetDataDir returns where the library database and downloaded media live.
func GetDataDir() (string, error) {
	return resolve(dataDir)
}

// GetConfigDir returns where config.yaml is looked up by default.
func GetConfigDir() (string, error) {
	return resolve(configDir)
}

func resolve(kind dirKind) (string, error) {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appDirName), nil
		}
		return filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming", appDirName), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if kind == configDir {
			return filepath.Join(home, "Library", "Preferences", appDirName), nil
		}
		return filepath.Join(home, "Library", "Application Support", appDirName), nil
	}

	env, fallback := "XDG_DATA_HOME", filepath.Join(".local", "share")
	if kind == configDir {
		env, fallback = "XDG_CONFIG_HOME", ".config"
	}
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, fallback, appDirName), nil
}
