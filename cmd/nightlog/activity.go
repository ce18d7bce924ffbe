package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/ui"
)

var startCmd = &cobra.Command{
	Use:     "start [sleep|tummyTime]",
	GroupID: "log",
	Short:   "Start a session",
	Long: `Record a new running session. The type defaults to sleep.

Examples:
  nightlog start
  nightlog start tummyTime --at "10 minutes ago"
  nightlog start sleep --at 19:30`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ := activity.TypeSleep
		if len(args) == 1 {
			typ = activity.Type(args[0])
			if !typ.IsValid() {
				return fmt.Errorf("unknown type %q (want %s or %s)", args[0], activity.TypeSleep, activity.TypeTummyTime)
			}
		}
		atFlag, _ := cmd.Flags().GetString("at")
		at, err := parseAt(atFlag, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		running, err := a.repo.Fetch(ctx, activity.All())
		if err != nil {
			return err
		}
		for _, r := range running {
			if r.IsActive() {
				fmt.Printf("%s %s started %s is still running\n", ui.RenderWarn("⚠"), r.Type, r.StartDate.Local().Format("15:04"))
				break
			}
		}

		rec := activity.New(at, typ)
		if err := a.repo.Add(ctx, rec); err != nil {
			return err
		}
		a.syncAfterWrite(ctx)

		fmt.Printf("%s Started %s at %s\n", ui.RenderPass("✓"), typ, at.Local().Format("15:04"))
		fmt.Printf("   ID: %s\n", rec.ID)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:     "stop [id]",
	GroupID: "log",
	Short:   "End a running session",
	Long: `Set the end date of a session. Without an id the most recent running
session is ended.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		atFlag, _ := cmd.Flags().GetString("at")
		at, err := parseAt(atFlag, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		q := activity.All()
		if len(args) == 1 {
			q = activity.ByID(args[0])
		}
		list, err := a.repo.Fetch(ctx, q)
		if err != nil {
			return err
		}

		var target *activity.Activity
		for i := range list {
			if len(args) == 1 || list[i].IsActive() {
				target = &list[i]
				break
			}
		}
		if target == nil {
			if len(args) == 1 {
				return activity.NotFound("stop", args[0])
			}
			fmt.Println("No running session")
			return nil
		}

		ended := target.Ended(at)
		if err := a.repo.Update(ctx, ended); err != nil {
			return err
		}
		a.syncAfterWrite(ctx)

		fmt.Printf("%s Ended %s after %s\n", ui.RenderPass("✓"), ended.Type, formatDuration(ended.Duration(at)))
		return nil
	},
}

// listRow is the serialized form of one listed activity.
type listRow struct {
	ID       string     `json:"id" yaml:"id"`
	Type     string     `json:"type" yaml:"type"`
	Start    time.Time  `json:"startDate" yaml:"start"`
	End      *time.Time `json:"endDate,omitempty" yaml:"end,omitempty"`
	Duration string     `json:"duration" yaml:"duration"`
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "log",
	Short:   "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		typeFlag, _ := cmd.Flags().GetString("type")
		sinceFlag, _ := cmd.Flags().GetString("since")
		format, _ := cmd.Flags().GetString("format")
		oldest, _ := cmd.Flags().GetBool("oldest-first")

		now := time.Now()
		q := activity.Query{Limit: limit}
		if oldest {
			q.Order = activity.OldestFirst
		}
		if typeFlag != "" {
			typ := activity.Type(typeFlag)
			if !typ.IsValid() {
				return fmt.Errorf("unknown type %q", typeFlag)
			}
			q.Types = []activity.Type{typ}
		}
		if sinceFlag != "" {
			since, err := parseAt(sinceFlag, now)
			if err != nil {
				return err
			}
			q.After = &since
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.repo.Fetch(cmd.Context(), q)
		if err != nil {
			return err
		}
		return writeList(os.Stdout, list, format, now)
	},
}

func writeList(w io.Writer, list []activity.Activity, format string, now time.Time) error {
	rows := make([]listRow, len(list))
	for i, a := range list {
		rows[i] = listRow{
			ID:       a.ID,
			Type:     string(a.Type),
			Start:    a.StartDate,
			End:      a.EndDate,
			Duration: formatDuration(a.Duration(now)),
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		if len(rows) == 0 {
			_, err := fmt.Fprintln(w, ui.RenderMuted("No sessions"))
			return err
		}
		table := make([][]string, len(rows))
		for i, r := range rows {
			end := ui.RenderAccent("running")
			if r.End != nil {
				end = r.End.Local().Format("01-02 15:04")
			}
			table[i] = []string{r.ID, r.Type, r.Start.Local().Format("01-02 15:04"), end, r.Duration}
		}
		_, err := io.WriteString(w, ui.Table([]string{"ID", "TYPE", "START", "END", "DURATION"}, table))
		return err
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "log",
	Short:   "Delete a session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		list, err := a.repo.Fetch(ctx, activity.ByID(args[0]))
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return activity.NotFound("delete", args[0])
		}

		if !yes && ui.IsTerminal(os.Stdin) {
			confirmed := false
			prompt := fmt.Sprintf("Delete %s started %s?", list[0].Type, list[0].StartDate.Local().Format("Jan 2 15:04"))
			if err := huh.NewConfirm().Title(prompt).Affirmative("Delete").Negative("Keep").Value(&confirmed).Run(); err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Kept")
				return nil
			}
		}

		if err := a.repo.Delete(ctx, args[0]); err != nil {
			return err
		}
		a.syncAfterWrite(ctx)

		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), args[0])
		return nil
	},
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + formatDuration(-d)
	}
	d = d.Round(time.Minute)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	if h == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", h, m)
}

func init() {
	startCmd.Flags().String("at", "", "Start time (default: now)")
	stopCmd.Flags().String("at", "", "End time (default: now)")

	listCmd.Flags().IntP("limit", "n", 20, "Maximum sessions to show (0 = all)")
	listCmd.Flags().StringP("type", "t", "", "Only sessions of this type")
	listCmd.Flags().String("since", "", "Only sessions started at or after this time")
	listCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")
	listCmd.Flags().Bool("oldest-first", false, "Sort oldest first")

	deleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	rootCmd.AddCommand(startCmd, stopCmd, listCmd, deleteCmd)
}
