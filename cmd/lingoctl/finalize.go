package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"lingochat/internal/app"
	"lingochat/internal/transform"

	"github.com/spf13/cobra"
)

var (
	finalizeAs string

	finalizeCmd = &cobra.Command{
		Use:   "finalize <message-id>",
		Short: "Run the voice pipeline for one message and print its renderings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			db, s3, err := app.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			providers, err := app.NewProviders(cfg, s3)
			if err != nil {
				return err
			}
			svc := transform.NewService(providers.Completer, nil, nil)
			processor := app.NewProcessor(cfg, db, s3, providers, svc, nil)

			outcome, err := processor.Finalize(ctx, args[0], finalizeAs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recipients: %d, warnings: %d\n", outcome.RecipientsProcessed, outcome.Warnings)

			renderings, err := db.ListRenderings(ctx, args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RECIPIENT\tSTATUS\tLANGUAGE\tAUDIO\tTEXT")
			for _, r := range renderings {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.RecipientID, r.Status, r.FinalLanguage, r.FinalAudioPath, r.FinalText)
			}
			return tw.Flush()
		},
	}
)

func init() {
	finalizeCmd.Flags().StringVar(&finalizeAs, "as", "", "sender user id to act as")
	_ = finalizeCmd.MarkFlagRequired("as")
}
