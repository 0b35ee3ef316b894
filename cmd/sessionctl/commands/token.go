package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"secumsg/internal/jwtsigner"
)

func tokenCmd() *cobra.Command {
	var secret, issuer, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the session API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := jwtsigner.New(secret, issuer)
			if err != nil {
				return err
			}
			tok, err := signer.Sign(subject, ttl, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("SESSIOND_JWT_SECRET"), "HS256 secret shared with sessiond")
	cmd.Flags().StringVar(&issuer, "issuer", envOr("SESSIOND_JWT_ISSUER", "secumsg"), "token issuer")
	cmd.Flags().StringVar(&subject, "subject", "local-client", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
