package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/share"
	"github.com/nightlog/nightlog/internal/ui"
)

var shareCmd = &cobra.Command{
	Use:     "share",
	GroupID: "sync",
	Short:   "Share sessions with another user",
	Long: `Create a share of your sessions or join someone else's.

Once a share is active, every session you start, end or edit moves into it
and syncs to all participants.`,
}

var shareCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create (or show) your share and print an invitation",
	RunE: func(cmd *cobra.Command, args []string) error {
		moveExisting, _ := cmd.Flags().GetBool("move-existing")

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireOnline(); err != nil {
			return err
		}
		ctx := cmd.Context()

		s, err := a.sharing.CreateShare(ctx)
		if err != nil {
			return err
		}

		if moveExisting {
			list, err := a.private.Fetch(ctx, activity.All())
			if err != nil {
				return err
			}
			moved := 0
			for _, rec := range list {
				if err := a.sharing.ShareRecord(ctx, rec, s); err != nil {
					fmt.Printf("   %s %s: %v\n", ui.RenderWarn("⚠"), rec.ID, err)
					continue
				}
				moved++
			}
			fmt.Printf("%s Moved %d sessions into the share\n", ui.RenderPass("✓"), moved)
		}
		a.syncAfterWrite(ctx)

		token, err := share.EncodeInvitation(s.Invitation())
		if err != nil {
			return err
		}

		fmt.Printf("%s Share %s\n", ui.RenderPass("✓"), s.Zone)
		fmt.Printf("   Owner: %s\n", s.Owner)
		if len(s.Participants) > 0 {
			fmt.Printf("   Participants: %v\n", s.Participants)
		}
		if s.Owner == cfg.UserID {
			fmt.Printf("\nInvite someone with:\n  nightlog share accept %s\n", token)
		}
		return nil
	},
}

var shareAcceptCmd = &cobra.Command{
	Use:   "accept <invitation>",
	Short: "Join a share from an invitation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")

		inv, err := share.DecodeInvitation(args[0])
		if err != nil {
			return err
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireOnline(); err != nil {
			return err
		}

		if !yes && ui.IsTerminal(os.Stdin) {
			confirmed := false
			prompt := fmt.Sprintf("Join %s's share %s?", inv.Owner, inv.Zone)
			if err := huh.NewConfirm().Title(prompt).Affirmative("Join").Negative("Cancel").Value(&confirmed).Run(); err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return nil
			}
		}

		s, err := a.sharing.AcceptInvitation(cmd.Context(), inv)
		if err != nil {
			return err
		}
		n, err := a.shared.Count(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("%s Joined %s's share %s\n", ui.RenderPass("✓"), s.Owner, s.Zone)
		fmt.Printf("   Shared sessions: %d\n", n)
		return nil
	},
}

var shareListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the shares you own or participate in",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireOnline(); err != nil {
			return err
		}

		shares, err := a.sharing.Shares(cmd.Context())
		if err != nil {
			return err
		}
		if len(shares) == 0 {
			fmt.Println(ui.RenderMuted("No shares"))
			return nil
		}

		active, _ := a.sharing.Active()
		rows := make([][]string, len(shares))
		for i, s := range shares {
			mark := ""
			if s.Zone == active.Zone {
				mark = ui.RenderAccent("active")
			}
			rows[i] = []string{s.Zone.String(), s.Owner, fmt.Sprint(len(s.Participants)), mark}
		}
		fmt.Print(ui.Table([]string{"ZONE", "OWNER", "PARTICIPANTS", ""}, rows))
		return nil
	},
}

func init() {
	shareCreateCmd.Flags().Bool("move-existing", false, "Move every private session into the share")
	shareAcceptCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	shareCmd.AddCommand(shareCreateCmd, shareAcceptCmd, shareListCmd)
	rootCmd.AddCommand(shareCmd)
}
