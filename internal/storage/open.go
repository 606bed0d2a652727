package storage

import (
	"errors"
	"strings"

	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

// Open initializes the configured store and creates its schema if absent.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func normName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
