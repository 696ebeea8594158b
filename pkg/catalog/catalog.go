// Package catalog manages distributable applications, their deployments,
// and the agent self-update package.
package catalog

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/settings"
)

type Options struct {
	UploadDir      string
	MaxUploadBytes int64
	MaxIconBytes   int64
}

type Catalog struct {
	db       *gorm.DB
	settings *settings.Store
	log      zerolog.Logger
	opts     Options

	Now func() time.Time
}

func New(db *gorm.DB, s *settings.Store, opts Options, log zerolog.Logger) *Catalog {
	return &Catalog{
		db:       db,
		settings: s,
		log:      log.With().Str("component", "catalog").Logger(),
		opts:     opts,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (c *Catalog) iconsPath() string   { return filepath.Join(c.opts.UploadDir, iconsDir) }
func (c *Catalog) updatesPath() string { return filepath.Join(c.opts.UploadDir, updatesDir) }

// IconsDir is the directory served under IconURLPrefix.
func (c *Catalog) IconsDir() string { return c.iconsPath() }

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(msg)
	}
	return err
}
