package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nightlog/nightlog/internal/history"
	"github.com/nightlog/nightlog/internal/migrate"
	"github.com/nightlog/nightlog/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "data",
	Short:   "Export sessions as JSONL",
	Long: `Write every session, newest first, one JSON object per line.
Without a file the export goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			_, err := migrate.Export(cmd.Context(), a.repo, os.Stdout)
			return err
		}

		n, err := migrate.ExportFile(cmd.Context(), a.repo, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s Exported %d sessions to %s\n", ui.RenderPass("✓"), n, args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Import sessions from JSONL",
	Long: `Add the sessions of a JSONL export that are missing and update the ones
that differ. Lines that cannot be read are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		result, backupPath, err := migrate.ImportFile(ctx, a.repo, args[0], migrate.ImportOptions{DryRun: dryRun}, backup)
		if err != nil {
			return err
		}
		if !dryRun {
			a.syncAfterWrite(ctx)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s: %d added, %d updated, %d unchanged\n",
			ui.RenderPass("✓"), verb, result.Added, result.Updated, result.Unchanged)
		if backupPath != "" {
			fmt.Printf("   Backup: %s\n", backupPath)
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "data",
	Short:   "Show committed transactions of a store as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		storeFlag, _ := cmd.Flags().GetString("store")
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		author, _ := cmd.Flags().GetString("author")

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		store, err := a.store(storeFlag)
		if err != nil {
			return err
		}

		filter := history.Filter{Limit: limit}
		if author != "" {
			filter.Authors = []string{author}
		}
		txs, err := store.Transactions(cmd.Context(), history.Token(after), filter)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(txs); err != nil {
			return err
		}
		return enc.Close()
	},
}

var tokensCmd = &cobra.Command{
	Use:     "tokens",
	GroupID: "data",
	Short:   "Show persisted history and sync tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := history.OpenFileTokenStore(cfg.TokensPath())
		if err != nil {
			return err
		}
		all, err := tokens.All(cmd.Context())
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println(ui.RenderMuted("No tokens recorded"))
			return nil
		}
		rows := make([][]string, 0, len(all))
		for _, key := range history.SortedKeys(all) {
			rows = append(rows, []string{key, fmt.Sprint(all[key])})
		}
		fmt.Print(ui.Table([]string{"KEY", "TOKEN"}, rows))
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Count changes without writing")
	importCmd.Flags().Bool("backup", true, "Export the current sessions next to the file first")

	historyCmd.Flags().String("store", "private", "Store to read: private or shared")
	historyCmd.Flags().Int64("after", 0, "Only transactions after this token")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum transactions (0 = all)")
	historyCmd.Flags().String("author", "", "Only transactions by this author")

	rootCmd.AddCommand(exportCmd, importCmd, historyCmd, tokensCmd)
}
