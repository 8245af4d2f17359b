package llamachat

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName   = "llamachat"
	DefaultEnvPrefix = "LLAMACHAT"
	Version          = "1.0.0"

	DefaultModelsDir     = "./models"
	DefaultHistoryFile   = "chat_history.json"
	DefaultRegistryFile  = "model_registry.json"
	DefaultSessionCookie = "llamachat_session"
)

var (
	// DefaultConfigPath is where a user-level config.yaml is searched for.
	DefaultConfigPath = filepath.Join(userDir(os.UserConfigDir), DefaultAppName)

	// DefaultDataDir holds the conversation database and the REPL line history.
	DefaultDataDir = filepath.Join(userDir(os.UserCacheDir), DefaultAppName)

	DefaultDatabasePath    = filepath.Join(DefaultDataDir, "conversations.db")
	DefaultLineHistoryFile = filepath.Join(DefaultDataDir, "line_history")
)

func userDir(lookup func() (string, error)) string {
	dir, err := lookup()
	if err != nil || dir == "" {
		return os.TempDir()
	}
	return dir
}
