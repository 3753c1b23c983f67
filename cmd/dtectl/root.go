package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server  string
	token   string
	secret  string
	issuer  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "dtectl",
		Short:         "Operate the DTE issuance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `dtectl manages folio authorizations and inspects issued documents
through the engine's local API.

Credentials come from --token (or DTE_TOKEN). With --jwt-secret (or
DTE_JWT_SECRET) a short-lived operator token is minted locally instead.`,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("DTE_SERVER", "http://localhost:8080"), "Engine base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("DTE_TOKEN"), "Operator bearer token")
	flags.StringVar(&opts.secret, "jwt-secret", os.Getenv("DTE_JWT_SECRET"), "Secret used to mint an operator token")
	flags.StringVar(&opts.issuer, "jwt-issuer", envOr("DTE_JWT_ISSUER", "dte-engine"), "Issuer claim of minted tokens")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP request timeout")

	root.AddCommand(newCAFCmd(opts), newDocumentCmd(opts))
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// printJSON writes the response data indented
func printJSON(w io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}
