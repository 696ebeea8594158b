package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/protocol"
	"github.com/senhakan/appcenter-server/pkg/store"
)

// ApplicationInput carries the operator-editable application fields. Nil
// fields keep their current (or default) value.
type ApplicationInput struct {
	DisplayName      *string `json:"display_name"`
	Version          *string `json:"version"`
	Description      *string `json:"description"`
	InstallArgs      *string `json:"install_args"`
	UninstallArgs    *string `json:"uninstall_args"`
	IsVisibleInStore *bool   `json:"is_visible_in_store"`
	Category         *string `json:"category"`
	IsActive         *bool   `json:"is_active"`
}

// CreateApplication stores an uploaded installer and its optional icon.
// The installer lands at "<id>_<hash8>.<ext>" under the upload dir; on any
// failure the row is rolled back and every file written is removed.
func (c *Catalog) CreateApplication(ctx context.Context, in ApplicationInput, file Upload, icon *Upload) (*store.Application, error) {
	name := strings.TrimSpace(store.Deref(in.DisplayName))
	if name == "" {
		return nil, apperr.Validation("display_name is required")
	}
	version := strings.TrimSpace(store.Deref(in.Version))
	if version == "" {
		return nil, apperr.Validation("version is required")
	}
	ext, err := installerExt(file.Filename)
	if err != nil {
		return nil, err
	}
	var iconExt string
	if icon != nil && icon.Filename != "" {
		iconExt = extension(icon.Filename)
		if !iconExts[iconExt] {
			return nil, apperr.Validation("Invalid icon type. Allowed: .png, .jpg, .jpeg, .webp, .svg")
		}
	}
	if err := ensureUniqueAppName(c.db.WithContext(ctx), name, 0); err != nil {
		return nil, err
	}

	staged, err := stage(file, c.opts.UploadDir, ext, c.opts.MaxUploadBytes, "File too large")
	if err != nil {
		return nil, err
	}

	app := store.Application{
		DisplayName:      name,
		Description:      in.Description,
		Filename:         "temp",
		OriginalFilename: store.Ptr(filepath.Base(file.Filename)),
		Version:          version,
		FileHash:         "sha256:" + staged.hash,
		FileSizeBytes:    staged.size,
		FileType:         strings.TrimPrefix(ext, "."),
		InstallArgs:      in.InstallArgs,
		UninstallArgs:    in.UninstallArgs,
		IsVisibleInStore: true,
		Category:         in.Category,
		IsActive:         true,
	}
	if in.IsVisibleInStore != nil {
		app.IsVisibleInStore = *in.IsVisibleInStore
	}

	var finalPath, iconTemp, iconPath string
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureUniqueAppName(tx, name, 0); err != nil {
			return err
		}
		if err := tx.Create(&app).Error; err != nil {
			return err
		}

		app.Filename = installerName(app.ID, staged.hash, ext)
		finalPath = filepath.Join(c.opts.UploadDir, app.Filename)
		if err := moveFinal(staged.path, finalPath); err != nil {
			return err
		}

		if iconExt != "" {
			iconStaged, err := stage(*icon, c.iconsPath(), iconExt, c.opts.MaxIconBytes, "Icon too large")
			if err != nil {
				return err
			}
			iconTemp = iconStaged.path
			iconName := "app_" + strconv.FormatUint(uint64(app.ID), 10) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + iconExt
			iconPath = filepath.Join(c.iconsPath(), iconName)
			if err := moveFinal(iconTemp, iconPath); err != nil {
				return err
			}
			app.IconURL = store.Ptr(IconURLPrefix + iconName)
		}
		return tx.Model(&app).Select("filename", "icon_url").Updates(&app).Error
	})
	if err != nil {
		removeQuietly(staged.path, finalPath, iconTemp, iconPath)
		return nil, apperr.Wrap("create application", err)
	}

	c.log.Info().
		Uint("app_id", app.ID).
		Str("display_name", app.DisplayName).
		Str("version", app.Version).
		Int64("size", app.FileSizeBytes).
		Msg("application uploaded")
	return &app, nil
}

// ListApplications returns applications newest first.
func (c *Catalog) ListApplications(ctx context.Context, onlyActive bool) ([]store.Application, error) {
	q := c.db.WithContext(ctx)
	if onlyActive {
		q = q.Where("is_active = ?", true)
	}
	var apps []store.Application
	if err := q.Order("created_at DESC").Order("id DESC").Find(&apps).Error; err != nil {
		return nil, apperr.Internal("list applications", err)
	}
	return apps, nil
}

func (c *Catalog) GetApplication(ctx context.Context, id uint) (*store.Application, error) {
	var app store.Application
	if err := c.db.WithContext(ctx).First(&app, id).Error; err != nil {
		return nil, apperr.Wrap("load application", notFound(err, "Application not found"))
	}
	return &app, nil
}

func (c *Catalog) UpdateApplication(ctx context.Context, id uint, in ApplicationInput) (*store.Application, error) {
	var app store.Application
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&app, id).Error; err != nil {
			return notFound(err, "Application not found")
		}
		if in.DisplayName != nil {
			name := strings.TrimSpace(*in.DisplayName)
			if name == "" {
				return apperr.Validation("display_name is required")
			}
			if err := ensureUniqueAppName(tx, name, id); err != nil {
				return err
			}
			app.DisplayName = name
		}
		if in.Version != nil {
			if v := strings.TrimSpace(*in.Version); v != "" {
				app.Version = v
			}
		}
		if in.Description != nil {
			app.Description = in.Description
		}
		if in.InstallArgs != nil {
			app.InstallArgs = in.InstallArgs
		}
		if in.UninstallArgs != nil {
			app.UninstallArgs = in.UninstallArgs
		}
		if in.IsVisibleInStore != nil {
			app.IsVisibleInStore = *in.IsVisibleInStore
		}
		if in.Category != nil {
			app.Category = in.Category
		}
		if in.IsActive != nil {
			app.IsActive = *in.IsActive
		}
		return tx.Save(&app).Error
	})
	if err != nil {
		return nil, apperr.Wrap("update application", err)
	}
	return &app, nil
}

// DeleteApplication removes the application with its deployments and
// desired-state rows. Task history keeps its app id. Files are removed
// only after the rows are gone.
func (c *Catalog) DeleteApplication(ctx context.Context, id uint) error {
	var app store.Application
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&app, id).Error; err != nil {
			return notFound(err, "Application not found")
		}
		if err := tx.Where("app_id = ?", id).Delete(&store.AgentApplication{}).Error; err != nil {
			return err
		}
		if err := tx.Where("app_id = ?", id).Delete(&store.Deployment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&app).Error
	})
	if err != nil {
		return apperr.Wrap("delete application", err)
	}

	removeQuietly(filepath.Join(c.opts.UploadDir, filepath.Base(app.Filename)))
	if icon := store.Deref(app.IconURL); strings.HasPrefix(icon, IconURLPrefix) {
		removeQuietly(filepath.Join(c.iconsPath(), filepath.Base(icon)))
	}
	c.log.Info().Uint("app_id", id).Msg("application deleted")
	return nil
}

// OpenInstaller opens the installer of an active application for download.
func (c *Catalog) OpenInstaller(ctx context.Context, id uint) (*os.File, *store.Application, error) {
	var app store.Application
	err := c.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&app).Error
	if err != nil {
		return nil, nil, apperr.Wrap("load application", notFound(err, "Application not found"))
	}
	path, err := safeJoin(c.opts.UploadDir, app.Filename)
	if err != nil {
		return nil, nil, apperr.NotFound("Installer file not found")
	}
	f, err := openRegular(path)
	if err != nil {
		return nil, nil, apperr.NotFound("Installer file not found")
	}
	return f, &app, nil
}

// DownloadName is the file name presented to the agent.
func DownloadName(app *store.Application) string {
	if n := store.Deref(app.OriginalFilename); n != "" {
		return n
	}
	return app.Filename
}

// StoreView lists the self-service store for one agent: visible active
// applications with that agent's install state, ordered by name.
func (c *Catalog) StoreView(ctx context.Context, agentUUID string) ([]protocol.StoreApp, error) {
	var rows []struct {
		store.Application
		AgentStatus      *string
		InstalledVersion *string
	}
	err := c.db.WithContext(ctx).Model(&store.Application{}).
		Select("applications.*, agent_applications.status AS agent_status, agent_applications.installed_version AS installed_version").
		Joins("LEFT JOIN agent_applications ON agent_applications.app_id = applications.id AND agent_applications.agent_uuid = ?", agentUUID).
		Where("applications.is_visible_in_store = ? AND applications.is_active = ?", true, true).
		Order("applications.display_name ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Internal("load store", err)
	}

	apps := make([]protocol.StoreApp, 0, len(rows))
	for _, r := range rows {
		status := store.Deref(r.AgentStatus)
		apps = append(apps, protocol.StoreApp{
			ID:               r.ID,
			DisplayName:      r.DisplayName,
			Version:          r.Version,
			Description:      r.Description,
			IconURL:          r.IconURL,
			FileSizeMB:       (r.FileSizeBytes + (1<<20 - 1)) >> 20,
			Category:         r.Category,
			Installed:        status == store.AppInstalled || status == store.AppInstalling || status == store.AppDownloading,
			InstalledVersion: r.InstalledVersion,
			CanUninstall:     status == store.AppInstalled,
		})
	}
	return apps, nil
}

func ensureUniqueAppName(tx *gorm.DB, name string, exceptID uint) error {
	q := tx.Model(&store.Application{}).Where("LOWER(display_name) = LOWER(?)", name)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return apperr.Internal("check application name", err)
	}
	if n > 0 {
		return apperr.Conflict("Application name already exists")
	}
	return nil
}

func openRegular(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
