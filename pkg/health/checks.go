// Package health reports whether the server can serve agents: the database
// answers and the upload directory accepts writes.
package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/store"
)

type Status struct {
	DatabaseOK        bool      `json:"database_ok"`
	UploadDirWritable bool      `json:"upload_dir_writable"`
	CheckedAt         time.Time `json:"checked_at"`
	Healthy           bool      `json:"healthy"`
	Issues            []string  `json:"issues,omitempty"`
}

type Checker struct {
	db        *gorm.DB
	uploadDir string
	timeout   time.Duration
}

func NewChecker(db *gorm.DB, uploadDir string) *Checker {
	return &Checker{db: db, uploadDir: uploadDir, timeout: 3 * time.Second}
}

func (c *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Healthy:   true,
		Issues:    []string{},
		CheckedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := store.Ping(ctx, c.db); err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("database unavailable: %v", err))
	} else {
		status.DatabaseOK = true
	}

	if err := checkWritable(c.uploadDir); err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("upload dir not writable: %v", err))
	} else {
		status.UploadDirWritable = true
	}

	return status
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

// CheckServer probes a server's health endpoint from the agent side.
func CheckServer(ctx context.Context, client *http.Client, serverURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %d", resp.StatusCode)
	}
	return nil
}
