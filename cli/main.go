package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type agentRow struct {
	UUID      string     `json:"uuid"`
	Hostname  string     `json:"hostname"`
	IPAddress *string    `json:"ip_address"`
	Status    string     `json:"status"`
	Version   *string    `json:"version"`
	LastSeen  *time.Time `json:"last_seen"`
	GroupIDs  []uint     `json:"group_ids"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "appcenter",
		Short:         "AppCenter - software distribution for managed endpoints",
		Long:          "Manage agents, applications, deployments and software inventory on an AppCenter server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("APPCENTER_SERVER", "http://localhost:8000"), "AppCenter server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("APPCENTER_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		agentsCmd(),
		agentCmd(),
		deployCmd(),
		reseedCmd(),
		softwareCmd(),
		licensesCmd(),
		settingsCmd(),
		sweepCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func client() *apiClient {
	return newAPIClient(serverURL, adminToken)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet and task counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats struct {
				TotalAgents       int64 `json:"total_agents"`
				OnlineAgents      int64 `json:"online_agents"`
				OfflineAgents     int64 `json:"offline_agents"`
				TotalApplications int64 `json:"total_applications"`
				PendingTasks      int64 `json:"pending_tasks"`
				FailedTasks       int64 `json:"failed_tasks"`
				ActiveDeployments int64 `json:"active_deployments"`
			}
			if err := client().get("/dashboard/stats", nil, &stats); err != nil {
				return err
			}

			fmt.Printf("AppCenter Status\n")
			fmt.Printf("================\n\n")
			fmt.Printf("Agents:              %d (%d online, %d offline)\n", stats.TotalAgents, stats.OnlineAgents, stats.OfflineAgents)
			fmt.Printf("Applications:        %d\n", stats.TotalApplications)
			fmt.Printf("Active deployments:  %d\n", stats.ActiveDeployments)
			fmt.Printf("Pending tasks:       %d\n", stats.PendingTasks)
			fmt.Printf("Failed tasks:        %d\n", stats.FailedTasks)
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls", "list"},
		Short:   "List all agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []agentRow
			if err := client().get("/agents", nil, &agents); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tHOSTNAME\tSTATUS\tVERSION\tLAST SEEN")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.UUID, a.Hostname, a.Status, deref(a.Version), since(a.LastSeen))
			}
			return w.Flush()
		},
	}
}

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent [uuid]",
		Short: "Show details for a specific agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var a agentRow
			if err := client().get("/agents/"+url.PathEscape(args[0]), nil, &a); err != nil {
				return err
			}

			fmt.Printf("Agent: %s\n", a.Hostname)
			fmt.Printf("========================================\n\n")
			fmt.Printf("UUID:         %s\n", a.UUID)
			fmt.Printf("Status:       %s\n", a.Status)
			fmt.Printf("IP address:   %s\n", deref(a.IPAddress))
			fmt.Printf("Version:      %s\n", deref(a.Version))
			fmt.Printf("Last seen:    %s\n", since(a.LastSeen))
			fmt.Printf("Groups:       %v\n", a.GroupIDs)
			return nil
		},
	}
}

func deployCmd() *cobra.Command {
	var (
		targetType string
		targetID   string
		priority   int
		mandatory  bool
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "deploy [app-id]",
		Short: "Publish an application to All, a Group or a single Agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid app id %q", args[0])
			}
			body := map[string]any{
				"app_id":       appID,
				"target_type":  targetType,
				"priority":     priority,
				"is_mandatory": mandatory,
				"force_update": force,
			}
			if targetID != "" {
				body["target_id"] = targetID
			}
			var dep struct {
				ID uint `json:"id"`
			}
			if err := client().send(http.MethodPost, "/deployments", body, &dep); err != nil {
				return err
			}
			fmt.Printf("Deployment %d created\n", dep.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&targetType, "target", "All", "Target type: All, Group or Agent")
	cmd.Flags().StringVar(&targetID, "target-id", "", "Group id or agent uuid")
	cmd.Flags().IntVar(&priority, "priority", 5, "Dispatch priority, higher first")
	cmd.Flags().BoolVar(&mandatory, "mandatory", false, "Mark the deployment mandatory")
	cmd.Flags().BoolVar(&force, "force", false, "Reinstall even where already installed")
	return cmd
}

func reseedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reseed [deployment-id]",
		Short: "Re-apply a deployment to agents that joined its target later",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Seeded int `json:"seeded"`
			}
			if err := client().send(http.MethodPost, "/deployments/"+url.PathEscape(args[0])+"/reseed", nil, &out); err != nil {
				return err
			}
			fmt.Printf("Seeded %d agents\n", out.Seeded)
			return nil
		},
	}
}

func softwareCmd() *cobra.Command {
	var (
		search  string
		page    int
		perPage int
	)
	cmd := &cobra.Command{
		Use:   "software",
		Short: "Summarize installed software across the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("per_page", strconv.Itoa(perPage))
			if search != "" {
				q.Set("search", search)
			}
			var out struct {
				Items []struct {
					Name       string   `json:"name"`
					AgentCount int64    `json:"agent_count"`
					Versions   []string `json:"versions"`
				} `json:"items"`
				Total int64 `json:"total"`
			}
			if err := client().get("/inventory/software", q, &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tAGENTS\tVERSIONS")
			for _, s := range out.Items {
				fmt.Fprintf(w, "%s\t%d\t%v\n", s.Name, s.AgentCount, s.Versions)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d titles total\n", out.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "Filter by name substring")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&perPage, "per-page", 50, "Rows per page")
	return cmd
}

func licensesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "licenses",
		Short: "Show license usage and violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var report []struct {
				Pattern       string `json:"pattern"`
				LicenseType   string `json:"license_type"`
				TotalLicenses int    `json:"total_licenses"`
				Usage         int    `json:"usage"`
				IsViolation   bool   `json:"is_violation"`
			}
			if err := client().get("/inventory/licenses/report", nil, &report); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PATTERN\tTYPE\tUSED\tTOTAL\tSTATUS")
			for _, r := range report {
				status := "ok"
				if r.IsViolation {
					status = "VIOLATION"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", r.Pattern, r.LicenseType, r.Usage, r.TotalLicenses, status)
			}
			return w.Flush()
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "List runtime settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []struct {
				Key       string `json:"key"`
				Value     string `json:"value"`
				IsDefault bool   `json:"is_default"`
			}
			if err := client().get("/settings", nil, &rows); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
			for _, r := range rows {
				source := "stored"
				if r.IsDefault {
					source = "default"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", r.Key, r.Value, source)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set [key] [value]",
		Short: "Change one runtime setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().send(http.MethodPut, "/settings", map[string]string{args[0]: args[1]}, nil); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark stale agents offline and prune history now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				MarkedOffline int64            `json:"marked_offline"`
				Pruned        map[string]int64 `json:"pruned"`
			}
			if err := client().send(http.MethodPost, "/maintenance/sweep", nil, &out); err != nil {
				return err
			}
			fmt.Printf("Marked offline: %d\n", out.MarkedOffline)
			for table, n := range out.Pruned {
				fmt.Printf("Pruned %-24s %d\n", table+":", n)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("appcenter version %s\n", Version)
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func since(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}
