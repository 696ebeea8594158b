package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/senhakan/appcenter-server/pkg/apperr"
)

const (
	iconsDir   = "icons"
	updatesDir = "agent_updates"

	// IconURLPrefix is where the server mounts the icons directory.
	IconURLPrefix = "/uploads/icons/"
)

var (
	installerExts = map[string]bool{".msi": true, ".exe": true}
	iconExts      = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".svg": true}
)

// Upload is a file received from an operator.
type Upload struct {
	Filename string
	Body     io.Reader
}

// stagedFile is an upload written to a temp path and hashed on the way.
type stagedFile struct {
	path string
	hash string
	size int64
	ext  string
}

func extension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

func installerExt(name string) (string, error) {
	ext := extension(name)
	if !installerExts[ext] {
		return "", apperr.Validation("Invalid file type. Only .msi and .exe allowed.")
	}
	return ext, nil
}

// stage streams up into dir as a temp file, computing sha256 and size.
// Exceeding limit aborts with EntityTooLarge and leaves nothing behind.
func stage(up Upload, dir, ext string, limit int64, tooLarge string) (*stagedFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Internal("create upload dir", err)
	}
	path := filepath.Join(dir, "temp_"+strings.ReplaceAll(uuid.NewString(), "-", "")+ext)
	f, err := os.Create(path)
	if err != nil {
		return nil, apperr.Internal("create temp file", err)
	}

	h := sha256.New()
	// One extra byte tells an exact-limit file apart from an oversized one.
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(up.Body, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > limit {
		err = apperr.TooLarge(tooLarge)
	}
	if err != nil {
		os.Remove(path)
		return nil, apperr.Wrap("write upload", err)
	}
	return &stagedFile{path: path, hash: hex.EncodeToString(h.Sum(nil)), size: n, ext: ext}, nil
}

func moveFinal(tmp, final string) error {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func removeQuietly(paths ...string) {
	for _, p := range paths {
		if p != "" {
			os.Remove(p)
		}
	}
}

// installerName is the content-addressed file name of an application.
func installerName(appID uint, hash, ext string) string {
	short := hash
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%d_%s%s", appID, short, ext)
}

// safeJoin resolves name inside dir, refusing anything that escapes it.
func safeJoin(dir, name string) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) || base != name {
		return "", apperr.NotFound("File not found")
	}
	return filepath.Join(dir, base), nil
}
