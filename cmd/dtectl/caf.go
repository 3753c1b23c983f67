package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCAFCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caf",
		Short: "Manage folio authorizations",
	}
	cmd.AddCommand(newCAFIngestCmd(opts), newCAFListCmd(opts), newCAFVoidedCmd(opts), newCAFHideExhaustedCmd(opts))
	return cmd
}

func newCAFIngestCmd(opts *globalOptions) *cobra.Command {
	var branch, file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a CAF file into a branch's folio pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read CAF: %w", err)
			}
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			path := "/cafs?branch=" + url.QueryEscape(branch)
			data, err := client.do(cmd.Context(), http.MethodPost, path, bytes.NewReader(raw), "application/xml")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "Branch that will draw folios from this CAF")
	cmd.Flags().StringVar(&file, "file", "", "Path to the CAF XML")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCAFListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List folio authorizations and their remaining stock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			data, err := client.getJSON(cmd.Context(), "/cafs")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newCAFVoidedCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "voided <caf-id>",
		Short: "Report the folios of a CAF that will never be used",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid CAF id %q", args[0])
			}
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			data, err := client.getJSON(cmd.Context(), "/cafs/"+id.String()+"/voided-folios")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newCAFHideExhaustedCmd(opts *globalOptions) *cobra.Command {
	var branch string
	cmd := &cobra.Command{
		Use:   "hide-exhausted",
		Short: "Hide every exhausted or expired CAF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}
			path := "/cafs/hide-exhausted"
			if branch != "" {
				path += "?branch=" + url.QueryEscape(branch)
			}
			data, err := client.postJSON(cmd.Context(), path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "Only hide CAFs of this branch")
	return cmd
}
