package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/resolver"
)

func newResolveCmd(opts *rootOptions) *cobra.Command {
	var (
		token      string
		roleName   string
		statusOnly bool
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Verify a session token and record its role, as the service would",
		Long: `resolve runs one role resolution for a session token using the daemon's
configuration, without starting a server. With --status it only reports the
subject's role values across the provider and the mirror.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return sserr.New(sserr.CodeValidationRequired, "--token is required")
			}
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, opts.stderr)
			ctx := cmd.Context()

			c, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer c.close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if statusOnly {
				st, err := c.resolver.Status(ctx, token)
				if err != nil {
					return err
				}
				return enc.Encode(st)
			}
			if roleName == "" {
				return sserr.New(sserr.CodeValidationRequired, "--role is required")
			}
			res, err := c.resolver.Resolve(ctx, resolver.Request{Token: token, Role: roleName})
			if err != nil {
				return err
			}
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "session token issued by the identity provider")
	cmd.Flags().StringVar(&roleName, "role", "", "role to record: student or investor")
	cmd.Flags().BoolVar(&statusOnly, "status", false, "report role values instead of writing")
	return cmd
}
