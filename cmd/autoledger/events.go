package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/AutoAccountingOrg/autoledger/internal/cli"
	"github.com/AutoAccountingOrg/autoledger/internal/config"
	"github.com/AutoAccountingOrg/autoledger/internal/pipeline"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Manage archived capture events",
	}

	cmd.AddCommand(eventsReprocessCmd())
	return cmd
}

func eventsReprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-run unmatched and failed events through the pipeline",
		Long: `Loads archived events that never produced a bill (for example
because no rule matched at capture time) and runs each one through the
current rule set and merge engine.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			settings := config.NewSettings()

			components, err := initPipeline(ctx, settings)
			if err != nil {
				return err
			}
			defer components.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			events, err := components.storage.ListUnmatchedRawEvents(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list unmatched events: %w", err)
			}

			if len(events) == 0 {
				fmt.Println(cli.SubtleStyle.Render("Nothing to reprocess."))
				return nil
			}

			bar := progressbar.NewOptions(len(events),
				progressbar.OptionSetDescription("Reprocessing events"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			var matched, unmatched, failed int
			for _, event := range events {
				result := components.pipeline.Reprocess(ctx, event)
				switch result.Outcome {
				case pipeline.OutcomeMatched:
					matched++
				case pipeline.OutcomeUnmatched:
					unmatched++
				default:
					failed++
				}
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			fmt.Println(cli.SuccessStyle.Render(fmt.Sprintf("✅ Reprocessed %d event(s)", len(events))))
			fmt.Printf("  matched:   %d\n", matched)
			fmt.Printf("  unmatched: %d\n", unmatched)
			if failed > 0 {
				fmt.Println(cli.WarningStyle.Render(fmt.Sprintf("  failed:    %d", failed)))
			}
			return nil
		},
	}

	cmd.Flags().Int("limit", 500, "maximum number of events to reprocess")
	return cmd
}
