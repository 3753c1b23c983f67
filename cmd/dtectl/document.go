package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newDocumentCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "document",
		Aliases: []string{"doc"},
		Short:   "Inspect and operate on issued documents",
	}

	var reason string
	abandon := documentAction(opts, "abandon <document-id>",
		"Give up on a failed submission and void its folio",
		func(ctx context.Context, c *apiClient, id string) (json.RawMessage, error) {
			var body any
			if reason != "" {
				body = map[string]string{"reason": reason}
			}
			return c.postJSON(ctx, "/documents/"+id+"/abandon", body)
		})
	abandon.Flags().StringVar(&reason, "reason", "", "Reason recorded with the voided folio")

	cmd.AddCommand(
		documentAction(opts, "status <document-id>", "Show the last known status of a document",
			func(ctx context.Context, c *apiClient, id string) (json.RawMessage, error) {
				return c.getJSON(ctx, "/documents/"+id+"/status")
			}),
		documentAction(opts, "poll <document-id>", "Ask the authority for a fresh verdict",
			func(ctx context.Context, c *apiClient, id string) (json.RawMessage, error) {
				return c.postJSON(ctx, "/documents/"+id+"/poll", nil)
			}),
		documentAction(opts, "requeue <document-id>", "Send a failed submission back to the dispatch queue",
			func(ctx context.Context, c *apiClient, id string) (json.RawMessage, error) {
				return c.postJSON(ctx, "/documents/"+id+"/requeue", nil)
			}),
		abandon,
	)
	return cmd
}

// documentAction builds a subcommand taking one document id
func documentAction(opts *globalOptions, use, short string, call func(context.Context, *apiClient, string) (json.RawMessage, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid document id %q", args[0])
			}
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			data, err := call(cmd.Context(), client, id.String())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}
