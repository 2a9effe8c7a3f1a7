package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// AuthStatusData is the auth status record stored in the IDE state database
type AuthStatusData struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// GetAuthStatus reads the Antigravity IDE state database for the logged-in
// user's credentials. The database is always opened read-only.
func GetAuthStatus(dbPath string) (*AuthStatusData, error) {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("state database not found at %s; make sure the IDE is installed and you are logged in", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in state database")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query state database: %w", err)
	}

	var authData AuthStatusData
	if err := json.Unmarshal([]byte(value), &authData); err != nil {
		return nil, fmt.Errorf("failed to parse auth data: %w", err)
	}

	if authData.APIKey == "" {
		return nil, fmt.Errorf("auth data missing apiKey field")
	}

	return &authData, nil
}

// IsDatabaseAccessible reports whether the IDE state database exists and opens
func IsDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		utils.Debug("[Database] Failed to open: %v", err)
		return false
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		utils.Debug("[Database] Failed to ping: %v", err)
		return false
	}

	return true
}
