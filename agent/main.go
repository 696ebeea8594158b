package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/senhakan/appcenter-server/pkg/agentclient"
	"github.com/senhakan/appcenter-server/pkg/config"
	"github.com/senhakan/appcenter-server/pkg/health"
	"github.com/senhakan/appcenter-server/pkg/profile"
	"github.com/senhakan/appcenter-server/pkg/protocol"
)

var (
	configPath = flag.String("config", "/etc/appcenter-agent/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "AppCenter server URL (overrides config)")
	interval   = flag.Duration("interval", 0, "Heartbeat interval until the server sends one (overrides config)")
	Version    = "dev"
)

// unsupportedInstall is reported for every dispatched command; this agent
// does not execute installers.
const unsupportedInstall = "installer execution is not supported by this agent"

type Agent struct {
	config    *config.AgentConfig
	client    *agentclient.Client
	identity  *agentclient.Identity
	collector *profile.Collector

	interval time.Duration
	beats    int
}

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("AppCenter agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Polling.HeartbeatInterval = int(interval.Seconds())
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	applyAgentLogging(cfg.Logging)

	identity, err := agentclient.LoadIdentity(cfg.State.IdentityPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load identity")
	}

	agent := &Agent{
		config:    cfg,
		client:    agentclient.New(cfg.Server, log.Logger),
		identity:  identity,
		collector: profile.NewCollector(10 * time.Second),
		interval:  time.Duration(cfg.Polling.HeartbeatInterval) * time.Second,
	}
	log.Info().Str("agent_uuid", identity.UUID).Str("server", cfg.Server.URL).Msg("Agent initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := health.CheckServer(ctx, agentHTTPClient(cfg), cfg.Server.URL); err != nil {
		log.Warn().Err(err).Msg("Server health check failed")
	}

	if err := agent.register(ctx); err != nil {
		log.Fatal().Err(err).Msg("Registration failed")
	}

	jitter := time.Duration(cfg.Polling.Jitter) * time.Second
	for {
		agent.heartbeat(ctx)

		wait := agent.interval
		if jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(jitter)))
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Agent stopping")
			return
		case <-time.After(wait):
		}
	}
}

func agentHTTPClient(cfg *config.AgentConfig) *http.Client {
	return &http.Client{Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second}
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("APPCENTER_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("APPCENTER_AGENT_LOG_FORMAT")))

	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// register obtains (or re-obtains) the secret. The server returns the
// existing secret for a known uuid, so this is safe to repeat.
func (a *Agent) register(ctx context.Context) error {
	if a.identity.SecretKey != "" {
		a.client.SetCredentials(a.identity.UUID, a.identity.SecretKey)
		return nil
	}

	hostname, _ := os.Hostname()
	p := a.collector.Collect(ctx)
	req := protocol.RegisterRequest{
		UUID:         a.identity.UUID,
		Hostname:     hostname,
		OSVersion:    nonEmpty(strings.TrimSpace(p.OSFullName + " " + p.OSVersion)),
		AgentVersion: nonEmpty(Version),
		CPUModel:     nonEmpty(p.CPUModel),
		DiskFreeGB:   profile.FreeDiskGB(ctx),
	}
	if p.TotalMemoryGB > 0 {
		req.RAMGB = &p.TotalMemoryGB
	}

	resp, err := a.client.Register(ctx, req)
	if err != nil {
		return err
	}
	a.identity.SecretKey = resp.SecretKey
	if err := a.identity.Save(a.config.State.IdentityPath); err != nil {
		return err
	}
	a.client.SetCredentials(a.identity.UUID, a.identity.SecretKey)
	if resp.Config.HeartbeatIntervalSec >= 5 {
		a.interval = time.Duration(resp.Config.HeartbeatIntervalSec) * time.Second
	}
	log.Info().Dur("interval", a.interval).Msg("Registered with server")
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) {
	hostname, _ := os.Hostname()
	req := protocol.HeartbeatRequest{
		Hostname:      hostname,
		IPAddress:     nonEmpty(primaryIP()),
		OSUser:        nonEmpty(currentUser()),
		AgentVersion:  nonEmpty(Version),
		DiskFreeGB:    profile.FreeDiskGB(ctx),
		InstalledApps: []protocol.InstalledApp{},
	}
	if a.beats%a.config.Polling.ProfileEvery == 0 {
		if raw, err := json.Marshal(a.collector.Collect(ctx)); err == nil {
			req.SystemProfile = raw
		}
	}
	a.beats++

	resp, err := a.client.Heartbeat(ctx, req)
	if agentclient.IsUnauthorized(err) {
		log.Warn().Msg("Credentials rejected, registering again")
		a.identity.SecretKey = ""
		if err := a.register(ctx); err != nil {
			log.Error().Err(err).Msg("Re-registration failed")
		}
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Heartbeat failed")
		return
	}

	log.Debug().Int("commands", len(resp.Commands)).Bool("inventory_sync", resp.Config.InventorySyncRequired).Msg("Heartbeat accepted")
	if resp.Config.LatestAgentVersion != "" && resp.Config.LatestAgentVersion != Version {
		log.Info().Str("current", Version).Str("latest", resp.Config.LatestAgentVersion).Msg("Agent update available")
	}
	for _, cmd := range resp.Commands {
		a.decline(ctx, cmd)
	}
}

func (a *Agent) decline(ctx context.Context, cmd protocol.Command) {
	msg := unsupportedInstall
	_, err := a.client.ReportTask(ctx, cmd.TaskID, protocol.TaskStatusRequest{
		Status:  "failed",
		Message: &msg,
		Error:   &msg,
	})
	if err != nil {
		log.Error().Err(err).Uint("task_id", cmd.TaskID).Msg("Failed to report task")
		return
	}
	log.Warn().Uint("task_id", cmd.TaskID).Str("action", cmd.Action).Msg("Declined command")
}

func primaryIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return ""
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	if runtime.GOOS == "windows" {
		if _, name, ok := strings.Cut(u.Username, `\`); ok {
			return name
		}
	}
	return u.Username
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
