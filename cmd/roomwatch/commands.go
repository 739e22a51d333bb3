package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/roomwatch/internal/config"
	"github.com/loykin/roomwatch/pkg/client"
)

// apiClient resolves the ops API address from --api-url or the config file.
// A TLS-enabled server is trusted through its own certificate.
func apiClient(flags *GlobalFlags) (*client.Client, error) {
	cc := client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout}
	if cc.BaseURL == "" {
		cfg, err := config.Load(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
		cc.BaseURL = cfg.Server.APIURL()
		if cfg.Server.TLS.Enabled {
			cert, _ := cfg.Server.TLS.Paths()
			cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: cert}
		}
	}
	cc.BaseURL = strings.TrimRight(cc.BaseURL, "/")
	return client.New(cc), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connected rooms and credential health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.JSON {
				return printJSON(out, st)
			}
			return writeStatus(out, st)
		},
	}
}

func writeStatus(out io.Writer, st client.Status) error {
	_, _ = fmt.Fprintf(out, "monitoring: %t  interval: %s  credentials: %d/%d active\n\n",
		st.MonitoringEnabled, st.Interval, st.Credentials.Active, st.Credentials.Total)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ROOM\tPHASE\tCONNECTED\tUPTIME\tSILENCE\tPENDING")
	for _, r := range st.Rooms {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%d\n",
			r.RoomID, r.Phase, r.Connected, since(r.StartTime), since(r.LastEventTime), r.PendingWrites)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(st.AutoDisabled) > 0 {
		_, _ = fmt.Fprintf(out, "\nauto-disabled: %s\n", strings.Join(st.AutoDisabled, ", "))
	}
	if len(st.PendingOffline) > 0 {
		ids := make([]string, 0, len(st.PendingOffline))
		for id := range st.PendingOffline {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		_, _ = fmt.Fprintf(out, "pending offline: %s\n", strings.Join(ids, ", "))
	}
	return nil
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <room>",
		Short: "Connect a room now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			res, err := c.StartRoom(cmd.Context(), args[0])
			if err != nil && !errors.Is(err, client.ErrBusy) {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res.Outcome)
			return err
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <room>",
		Short: "Disconnect a room and archive its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if err := c.StopRoom(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", args[0])
			return nil
		},
	}
}

func createMonitoringCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "monitoring <room> <on|off>",
		Short: "Enable or disable monitoring of a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if err := c.SetMonitoring(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: monitoring %s\n", args[0], args[1])
			return nil
		},
	}
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}

func createConsolidateCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Archive stale events and merge session fragments now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			rep, err := c.Consolidate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.JSON {
				return printJSON(out, rep)
			}
			_, _ = fmt.Fprintf(out, "run %s: %d stale sessions, %d merged, %d empty deleted in %s\n",
				rep.RunID, rep.StaleSessions, rep.Merged, rep.EmptyDeleted, rep.Duration)
			if len(rep.SkippedRooms) > 0 {
				_, _ = fmt.Fprintf(out, "skipped busy rooms: %s\n", strings.Join(rep.SkippedRooms, ", "))
			}
			return nil
		},
	}
}

func createSessionsCommand(flags *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions <room>",
		Short: "List archived sessions of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			sessions, err := c.Sessions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.JSON {
				return printJSON(out, sessions)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SESSION\tSTART\tEND\tEVENTS")
			for _, s := range sessions {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.SessionID,
					s.RangeStart.Format(time.RFC3339), s.RangeEnd.Format(time.RFC3339), s.EventCount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum sessions to list (server default when 0)")
	return cmd
}

func createCredentialsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "credentials",
		Short: "Show masked credential pool state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.JSON {
				return printJSON(out, st.Credentials)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "KEY\tACTIVE\tCOOLDOWN")
			for _, k := range st.Credentials.Keys {
				remaining := k.Remaining
				if remaining == "" {
					remaining = "-"
				}
				_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\n", k.Key, k.Active, remaining)
			}
			return tw.Flush()
		},
	}
}

func createConfigCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	var (
		path  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with every default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = flags.ConfigPath
			}
			if path == "" {
				path = "roomwatch.toml"
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "output file (default --config or roomwatch.toml)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok: %d seed rooms, %d credentials, store %s\n",
				len(cfg.Rooms), len(cfg.Live.Credentials), redactDSN(cfg.Store.DSN))
			return nil
		},
	}
	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}

// redactDSN hides the password part of a URL-style DSN.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		creds = creds[:i] + ":****"
	}
	return dsn[:scheme+3] + creds + dsn[at:]
}
