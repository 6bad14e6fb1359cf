package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AutoAccountingOrg/autoledger/internal/cli"
	"github.com/AutoAccountingOrg/autoledger/internal/config"
	"github.com/AutoAccountingOrg/autoledger/internal/model"
	"github.com/AutoAccountingOrg/autoledger/internal/service"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage matching rules",
	}

	cmd.AddCommand(rulesListCmd(), rulesAddCmd(), rulesEnableCmd(), rulesDisableCmd(), rulesDeleteCmd())
	return cmd
}

func rulesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List matching rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := initStorage(cmd.Context(), config.NewSettings())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			app, _ := cmd.Flags().GetString("app")
			channel, _ := cmd.Flags().GetString("channel")
			origin, _ := cmd.Flags().GetString("origin")

			rules, err := store.ListRules(cmd.Context(), service.RuleFilter{
				App:     app,
				Channel: model.Channel(channel),
				Origin:  model.RuleOrigin(origin),
			})
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			if len(rules) == 0 {
				fmt.Println(cli.SubtleStyle.Render("No rules found."))
				return nil
			}

			fmt.Println(cli.TitleStyle.Render("Matching Rules"))
			for _, r := range rules {
				state := cli.SuccessStyle.Render("enabled")
				if !r.Enabled {
					state = cli.SubtleStyle.Render("disabled")
				}
				fmt.Printf("  [%d] %s  %s\n", r.ID, r.Name, state)
				fmt.Printf("      app=%s channel=%s kind=%s origin=%s priority=%d uses=%d\n",
					r.App, r.Channel, r.Kind, r.Origin, r.Priority, r.UseCount)
			}
			fmt.Println(cli.SubtleStyle.Render(fmt.Sprintf("\n%d rule(s)", len(rules))))
			return nil
		},
	}

	cmd.Flags().String("app", "", "filter by app package")
	cmd.Flags().String("channel", "", "filter by capture channel")
	cmd.Flags().String("origin", "", "filter by origin (system|user)")
	return cmd
}

func rulesAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Add a matching rule",
		Long: `Adds a user-authored rule. The --body flag carries the rule
definition: a regular expression with named capture groups for
--kind=pattern, or a JSON field mapping for --kind=field.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := initStorage(cmd.Context(), config.NewSettings())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			app, _ := cmd.Flags().GetString("app")
			channel, _ := cmd.Flags().GetString("channel")
			kind, _ := cmd.Flags().GetString("kind")
			body, _ := cmd.Flags().GetString("body")
			priority, _ := cmd.Flags().GetInt("priority")

			ch := model.Channel(channel)
			if !ch.Valid() {
				return fmt.Errorf("invalid channel %q", channel)
			}

			rule := &model.Rule{
				Name:      args[0],
				App:       app,
				Channel:   ch,
				Kind:      model.RuleKind(kind),
				Body:      body,
				Origin:    model.OriginUser,
				Priority:  priority,
				Enabled:   true,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			if err := store.SaveRule(cmd.Context(), rule); err != nil {
				return fmt.Errorf("failed to save rule: %w", err)
			}

			fmt.Println(cli.SuccessStyle.Render(fmt.Sprintf("✅ Rule %q saved with ID %d", rule.Name, rule.ID)))
			return nil
		},
	}

	cmd.Flags().String("app", "", "app package the rule applies to")
	cmd.Flags().String("channel", string(model.ChannelNotification), "capture channel the rule applies to")
	cmd.Flags().String("kind", string(model.RuleKindPattern), "rule kind (pattern|field)")
	cmd.Flags().String("body", "", "rule body")
	cmd.Flags().Int("priority", 0, "evaluation priority (highest first)")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func rulesEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable ID",
		Short: "Enable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setRuleEnabled(cmd, args[0], true)
		},
	}
}

func rulesDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable ID",
		Short: "Disable a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setRuleEnabled(cmd, args[0], false)
		},
	}
}

func rulesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule ID %q", args[0])
			}

			store, err := initStorage(cmd.Context(), config.NewSettings())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.DeleteRule(cmd.Context(), id); err != nil {
				return fmt.Errorf("failed to delete rule: %w", err)
			}
			fmt.Println(cli.SuccessStyle.Render(fmt.Sprintf("✅ Rule %d deleted", id)))
			return nil
		},
	}
}

func setRuleEnabled(cmd *cobra.Command, rawID string, enabled bool) error {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid rule ID %q", rawID)
	}

	store, err := initStorage(cmd.Context(), config.NewSettings())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.SetRuleEnabled(cmd.Context(), id, enabled); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}
	fmt.Println(cli.SuccessStyle.Render(fmt.Sprintf("✅ Rule %d %s", id, verb)))
	return nil
}
