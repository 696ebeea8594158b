package catalog

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/senhakan/appcenter-server/pkg/apperr"
	"github.com/senhakan/appcenter-server/pkg/settings"
)

// AgentUpdateURLPrefix is the agent-surface route serving update packages.
const AgentUpdateURLPrefix = "/api/v1/agent/update/download/"

var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

type AgentUpdate struct {
	Version     string `json:"version"`
	FileHash    string `json:"file_hash"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
}

// UploadAgentUpdate stores a new agent build as
// "agent_<version>_<hash8>.<ext>" and publishes it through the
// agent_latest_version, agent_download_url, agent_hash and
// agent_update_filename settings.
func (c *Catalog) UploadAgentUpdate(ctx context.Context, version string, file Upload) (*AgentUpdate, error) {
	version = strings.TrimSpace(version)
	if !versionPattern.MatchString(version) {
		return nil, apperr.Validation("Invalid version")
	}
	ext, err := installerExt(file.Filename)
	if err != nil {
		return nil, err
	}
	staged, err := stage(file, c.updatesPath(), ext, c.opts.MaxUploadBytes, "File too large")
	if err != nil {
		return nil, err
	}

	out := &AgentUpdate{
		Version:  version,
		FileHash: "sha256:" + staged.hash,
		Filename: "agent_" + version + "_" + staged.hash[:8] + ext,
	}
	out.DownloadURL = AgentUpdateURLPrefix + out.Filename
	final := filepath.Join(c.updatesPath(), out.Filename)
	if err := moveFinal(staged.path, final); err != nil {
		removeQuietly(staged.path)
		return nil, apperr.Internal("store agent update", err)
	}

	err = c.settings.Set(ctx, map[string]string{
		settings.AgentLatestVersion:  out.Version,
		settings.AgentDownloadURL:    out.DownloadURL,
		settings.AgentHash:           out.FileHash,
		settings.AgentUpdateFilename: out.Filename,
	}, "Agent update metadata")
	if err != nil {
		return nil, apperr.Wrap("publish agent update", err)
	}

	c.log.Info().Str("version", version).Str("filename", out.Filename).Msg("agent update published")
	return out, nil
}

// OpenAgentUpdate opens a stored update package by file name.
func (c *Catalog) OpenAgentUpdate(filename string) (*os.File, error) {
	path, err := safeJoin(c.updatesPath(), filename)
	if err != nil {
		return nil, apperr.NotFound("Update file not found")
	}
	f, err := openRegular(path)
	if err != nil {
		return nil, apperr.NotFound("Update file not found")
	}
	return f, nil
}
