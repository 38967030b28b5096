package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	StateDir     string
	MountBase    string
	ResultDir    string
	WindowBinary string
	AudioCueFile string
	HistoryDB    string
	WindowLog    string

	EnqueueLockTimeoutSec int
	MutateLockTimeoutSec  int
	WindowLockTimeoutSec  int
	WindowTimeoutSec      int
	MinWindowSpacingSec   int
	HeartbeatUpdateMs     int
	HeartbeatCheckMs      int
	ResultGraceSec        int
	ResultMaxBytes        int
}

func FromEnv() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	stateDir := stringOrDefault("DRIVESHELL_STATE_DIR", filepath.Join(home, ".local", "driveshell"))
	mountBase := stringOrDefault("DRIVESHELL_MOUNT_BASE", filepath.Join(home, "CloudDrive"))

	return Config{
		StateDir:     stateDir,
		MountBase:    mountBase,
		ResultDir:    stringOrDefault("DRIVESHELL_RESULT_DIR", filepath.Join(mountBase, ".driveshell", "results")),
		WindowBinary: stringOrDefault("DRIVESHELL_WINDOW_BINARY", "driveshell-window"),
		AudioCueFile: strings.TrimSpace(os.Getenv("DRIVESHELL_AUDIO_CUE")),
		HistoryDB:    stringOrDefault("DRIVESHELL_HISTORY_DB", filepath.Join(stateDir, "history.sqlite")),
		WindowLog:    stringOrDefault("DRIVESHELL_WINDOW_LOG", filepath.Join(stateDir, "window_debug.log")),

		EnqueueLockTimeoutSec: intOrDefault("DRIVESHELL_ENQUEUE_LOCK_TIMEOUT_SECONDS", 30),
		MutateLockTimeoutSec:  intOrDefault("DRIVESHELL_MUTATE_LOCK_TIMEOUT_SECONDS", 10),
		WindowLockTimeoutSec:  intOrDefault("DRIVESHELL_WINDOW_LOCK_TIMEOUT_SECONDS", 30),
		WindowTimeoutSec:      intOrDefault("DRIVESHELL_WINDOW_TIMEOUT_SECONDS", 300),
		MinWindowSpacingSec:   intOrDefault("DRIVESHELL_MIN_WINDOW_SPACING_SECONDS", 5),
		HeartbeatUpdateMs:     intOrDefault("DRIVESHELL_HEARTBEAT_UPDATE_MS", 100),
		HeartbeatCheckMs:      intOrDefault("DRIVESHELL_HEARTBEAT_CHECK_MS", 500),
		ResultGraceSec:        intOrDefault("DRIVESHELL_RESULT_GRACE_SECONDS", 5),
		ResultMaxBytes:        intOrDefault("DRIVESHELL_RESULT_MAX_BYTES", 4*1024*1024),
	}
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
