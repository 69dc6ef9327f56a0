package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"
)

type keySetReport struct {
	Issuer    string      `json:"issuer"`
	FetchedAt time.Time   `json:"fetched_at"`
	Keys      []keyReport `json:"keys"`
}

type keyReport struct {
	KeyID string `json:"kid"`
	Bits  int    `json:"bits"`
}

func newKeysCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "keys ISSUER",
		Short: "Fetch and print an issuer's signing key ids",
		Long: `keys fetches {ISSUER}/.well-known/jwks.json and prints the RSA signing
keys the verifier would accept, as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache := auth.NewKeySetCache(
				auth.WithFetchTimeout(timeout),
				auth.WithKeySetLogger(newLogger(LogConfig{Level: "warn", Format: "text"}, opts.stderr)),
			)
			set, err := cache.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			report := keySetReport{Issuer: set.Issuer, FetchedAt: set.FetchedAt, Keys: []keyReport{}}
			for _, kid := range set.KeyIDs() {
				key, _ := set.Key(kid)
				report.Keys = append(report.Keys, keyReport{KeyID: kid, Bits: key.N.BitLen()})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", auth.DefaultFetchTimeout, "key set request timeout")
	return cmd
}
