package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AutoAccountingOrg/autoledger/internal/cli"
	"github.com/AutoAccountingOrg/autoledger/internal/config"
)

func billsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bills",
		Short: "Inspect converged bills",
	}

	cmd.AddCommand(billsListCmd(), billsShowCmd(), billsFinalizeCmd(), billsAuditCmd())
	return cmd
}

func billsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bill groups by date range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := initStorage(cmd.Context(), config.NewSettings())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")

			start := time.Now().AddDate(0, -1, 0)
			end := time.Now().AddDate(0, 0, 1)
			if from != "" {
				if start, err = time.Parse("2006-01-02", from); err != nil {
					return fmt.Errorf("invalid --from date %q", from)
				}
			}
			if to != "" {
				if end, err = time.Parse("2006-01-02", to); err != nil {
					return fmt.Errorf("invalid --to date %q", to)
				}
			}

			groups, err := store.ListBillGroups(cmd.Context(), start, end)
			if err != nil {
				return fmt.Errorf("failed to list bill groups: %w", err)
			}

			if len(groups) == 0 {
				fmt.Println(cli.SubtleStyle.Render("No bills in range."))
				return nil
			}

			fmt.Println(cli.TitleStyle.Render("Bill Groups"))
			for _, g := range groups {
				fmt.Printf("  %s  %s  (%d member(s))\n",
					g.Date.Format("2006-01-02 15:04"), g.GroupID, len(g.MemberIDs))
			}
			fmt.Println(cli.SubtleStyle.Render(fmt.Sprintf("\n%d group(s)", len(groups))))
			return nil
		},
	}

	cmd.Flags().String("from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "end date (YYYY-MM-DD)")
	return cmd
}

func billsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a bill and its merged children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := initStorage(cmd.Context(), config.NewSettings())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			bill, err := store.GetBillByID(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load bill: %w", err)
			}

			fmt.Println(cli.TitleStyle.Render("Bill " + bill.ID))
			fmt.Printf("  Amount:       %s\n", cli.AmountStyle.Render(cli.FormatMinorUnits(bill.Amount, bill.Currency)))
			fmt.Printf("  Kind:         %s\n", bill.Kind)
			fmt.Printf("  State:        %s\n", bill.State)
			fmt.Printf("  Occurred:     %s\n", time.UnixMilli(bill.OccurredAt).Format(time.RFC3339))
			fmt.Printf("  Counterparty: %s\n", bill.Counterparty)
			fmt.Printf("  From:         %s\n", bill.FromAccount)
			fmt.Printf("  To:           %s\n", bill.ToAccount)
			fmt.Printf("  Channels:     %s\n", strings.Join(bill.Channels, ", "))
			fmt.Printf("  Group:        %s\n", bill.GroupID)

			members, err := store.GetBillsByGroup(cmd.Context(), bill.GroupID)
			if err != nil {
				return fmt.Errorf("failed to load group members: %w", err)
			}
			if len(members) > 1 {
				fmt.Println(cli.SubtleStyle.Render("\nGroup members:"))
				for _, m := range members {
					marker := "  "
					if m.IsRoot() {
						marker = "* "
					}
					fmt.Printf("  %s%s  %s\n", marker, m.ID, cli.FormatMinorUnits(m.Amount, m.Currency))
				}
			}
			return nil
		},
	}
	return cmd
}

func billsFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize ID",
		Short: "Settle a bill so it no longer accepts merges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := initStorage(cmd.Context(), config.NewSettings())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.FinalizeBill(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to finalize bill: %w", err)
			}
			fmt.Println(cli.SuccessStyle.Render("✅ Bill " + args[0] + " settled"))
			return nil
		},
	}
}

func billsAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit ID",
		Short: "Show the merge audit trail for a bill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := initStorage(cmd.Context(), config.NewSettings())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.GetBillAudit(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load audit trail: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println(cli.SubtleStyle.Render("No audit entries."))
				return nil
			}

			fmt.Println(cli.TitleStyle.Render("Audit Trail for " + args[0]))
			for _, e := range entries {
				fmt.Printf("  %s  %-14s %s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"),
					e.Field,
					e.Value)
				fmt.Printf("      %s\n", cli.SubtleStyle.Render("event "+e.EventID))
			}
			return nil
		},
	}
}
