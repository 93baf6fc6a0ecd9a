package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFileName = "hireline.db"

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .hireline state directory under the workspace.
func EnsureWorkspace(workspace string) (string, error) {
	dir := stateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database. Foreign keys and a busy timeout are set
// through DSN pragmas; the server and CLI share the same file.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	path := filepath.Join(stateDir(cfg.Workspace), dbFileName)
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	return sql.Open("sqlite", dsn)
}

func stateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".hireline")
}
