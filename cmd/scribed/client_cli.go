package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/scribed"
	"pkt.systems/scribed/api"
	scribedclient "pkt.systems/scribed/client"
	"pkt.systems/scribed/internal/identity"
	"pkt.systems/scribed/internal/loggingutil"
)

const (
	clientServerKey  = "client.server"
	clientUserKey    = "client.user"
	clientNameKey    = "client.name"
	clientEmailKey   = "client.email"
	clientRolesKey   = "client.roles"
	clientTabKey     = "client.tab"
	clientTimeoutKey = "client.timeout"
	clientJSONKey    = "client.json"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Inspect and administer a running scribed server",
	}
	flags := cmd.PersistentFlags()
	flags.String("server", scribed.DefaultClientServer, "scribed server base URL")
	flags.String("user", "", "user id sent as "+api.HeaderUser)
	flags.String("name", "", "display name sent as "+api.HeaderName)
	flags.String("email", "", "e-mail sent as "+api.HeaderEmail)
	flags.String("roles", "", "comma separated roles sent as "+api.HeaderRoles+" (editor, admin)")
	flags.String("tab", "cli", "tab id sent as "+api.HeaderTabID)
	flags.Duration("timeout", 30*time.Second, "HTTP request timeout")
	flags.Bool("json", false, "print raw JSON responses")

	mustBindFlag(clientServerKey, "SCRIBED_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientUserKey, "SCRIBED_CLIENT_USER", flags.Lookup("user"))
	mustBindFlag(clientNameKey, "SCRIBED_CLIENT_NAME", flags.Lookup("name"))
	mustBindFlag(clientEmailKey, "SCRIBED_CLIENT_EMAIL", flags.Lookup("email"))
	mustBindFlag(clientRolesKey, "SCRIBED_CLIENT_ROLES", flags.Lookup("roles"))
	mustBindFlag(clientTabKey, "SCRIBED_CLIENT_TAB", flags.Lookup("tab"))
	mustBindFlag(clientTimeoutKey, "SCRIBED_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientJSONKey, "SCRIBED_CLIENT_JSON", flags.Lookup("json"))

	logger := loggingutil.WithSubsystem(baseLogger, "cli.client")
	cmd.AddCommand(
		newClientLocksCommand(logger),
		newClientStatusCommand(logger),
		newClientReleaseCommand(logger),
		newClientPresenceCommand(logger),
		newClientVersionCommand(logger),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func newCLIClient(logger pslog.Logger) (*scribedclient.Client, error) {
	id := scribedclient.Identity{
		UserID: strings.TrimSpace(viper.GetString(clientUserKey)),
		Name:   strings.TrimSpace(viper.GetString(clientNameKey)),
		Email:  strings.TrimSpace(viper.GetString(clientEmailKey)),
		Roles:  identity.ParseRoles(viper.GetString(clientRolesKey)),
	}
	return scribedclient.New(viper.GetString(clientServerKey),
		scribedclient.WithIdentity(id),
		scribedclient.WithTabID(viper.GetString(clientTabKey)),
		scribedclient.WithHTTPTimeout(viper.GetDuration(clientTimeoutKey)),
		scribedclient.WithLogger(logger),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClientLocksCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List every live edit lock (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newCLIClient(logger)
			if err != nil {
				return err
			}
			defer cli.Close()
			locks, err := cli.ListLocks(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool(clientJSONKey) {
				return printJSON(cmd.OutOrStdout(), api.LockListResponse{Locks: locks})
			}
			_, err = io.WriteString(cmd.OutOrStdout(), renderLocks(locks, time.Now()))
			return err
		},
	}
}

func renderLocks(locks []api.Lock, now time.Time) string {
	if len(locks) == 0 {
		return mutedStyle.Render("no active locks") + "\n"
	}
	rows := [][]string{{"RESOURCE", "OWNER", "TAB", "ACQUIRED", "EXPIRES"}}
	for _, lock := range locks {
		owner := lock.OwnerID
		if lock.OwnerName != "" {
			owner = fmt.Sprintf("%s (%s)", lock.OwnerName, lock.OwnerID)
		}
		rows = append(rows, []string{
			lock.Resource,
			owner,
			lock.OwnerTabID,
			humanize.RelTime(time.Unix(lock.AcquiredAt, 0), now, "ago", "from now"),
			humanize.RelTime(time.Unix(lock.ExpiresAt, 0), now, "ago", "from now"),
		})
	}
	return renderTable(rows)
}

func renderTable(rows [][]string) string {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	var b strings.Builder
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := lipgloss.NewStyle().Width(widths[i])
			if r == 0 {
				style = style.Inherit(headerStyle)
			}
			cells[i] = style.Render(cell)
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
		b.WriteByte('\n')
	}
	return b.String()
}

func newClientStatusCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status <resource>",
		Short: "Show edit permission and lock state for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newCLIClient(logger)
			if err != nil {
				return err
			}
			defer cli.Close()
			status, err := cli.LockStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool(clientJSONKey) {
				return printJSON(cmd.OutOrStdout(), status)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), renderStatus(status, time.Now()))
			return err
		},
	}
}

func renderStatus(status *api.LockStatusResponse, now time.Time) string {
	rows := [][]string{
		{"resource", status.Resource},
		{"can edit", fmt.Sprintf("%t", status.CanEdit)},
		{"admin", fmt.Sprintf("%t", status.IsAdmin)},
	}
	switch {
	case !status.Locked:
		rows = append(rows, []string{"lock", "unlocked"})
	case status.LockedByYou:
		rows = append(rows, []string{"lock", "held by you in this tab"})
	case status.LockedInOtherTab:
		rows = append(rows, []string{"lock", warnStyle.Render("held by you in another tab")})
	case status.Holder != nil:
		holder := status.Holder.UserID
		if status.Holder.Name != "" {
			holder = status.Holder.Name
		}
		rows = append(rows, []string{"lock", warnStyle.Render("held by " + holder)})
	}
	if status.Holder != nil {
		rows = append(rows, []string{"expires", humanize.RelTime(time.Unix(status.Holder.ExpiresAt, 0), now, "ago", "from now")})
	}
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(headerStyle.Width(10).Render(row[0]))
		b.WriteString(row[1])
		b.WriteByte('\n')
	}
	return b.String()
}

func newClientReleaseCommand(logger pslog.Logger) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock (use --force as admin to break someone else's lock)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newCLIClient(logger)
			if err != nil {
				return err
			}
			defer cli.Close()
			released, err := cli.Release(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			if viper.GetBool(clientJSONKey) {
				return printJSON(cmd.OutOrStdout(), api.ReleaseResponse{Released: released})
			}
			if released {
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not locked\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "release a lock held by someone else (admin)")
	return cmd
}

func newClientPresenceCommand(logger pslog.Logger) *cobra.Command {
	var resource string
	cmd := &cobra.Command{
		Use:   "presence <page>",
		Short: "List who is viewing or editing a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newCLIClient(logger)
			if err != nil {
				return err
			}
			defer cli.Close()
			resp, err := cli.Presence(cmd.Context(), args[0], resource)
			if err != nil {
				return err
			}
			if viper.GetBool(clientJSONKey) {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), renderPresence(resp))
			return err
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "", "document shown on the page; its lock owner is reported as editor")
	return cmd
}

func renderPresence(resp *api.PresenceResponse) string {
	if len(resp.Viewers) == 0 {
		return mutedStyle.Render("nobody is viewing "+resp.Page) + "\n"
	}
	rows := [][]string{{"USER", "NAME", "TABS", "EDITING"}}
	for _, v := range resp.Viewers {
		editing := ""
		if v.ID == resp.EditorUserID {
			editing = "yes"
		}
		rows = append(rows, []string{v.ID, v.Name, fmt.Sprintf("%d", v.TabCount), editing})
	}
	return renderTable(rows)
}

func newClientVersionCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the documentation version served by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newCLIClient(logger)
			if err != nil {
				return err
			}
			defer cli.Close()
			v, err := cli.Version(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool(clientJSONKey) {
				return printJSON(cmd.OutOrStdout(), v)
			}
			line := v.Version
			if v.ShortCommit != "" {
				line += " (" + v.ShortCommit + ")"
			}
			if v.Source != "" {
				line += " " + mutedStyle.Render("from "+v.Source)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
			return err
		},
	}
}
