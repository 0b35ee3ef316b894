package commands

import (
	"os"

	"github.com/spf13/cobra"

	"secumsg/internal/keyfile"
	"secumsg/internal/vault"
)

type rootOptions struct {
	identity   string
	masterKey  string
	passphrase string
}

func (o *rootOptions) sealer() (vault.Sealer, error) {
	return keyfile.OpenSealer(o.masterKey, o.passphrase, o.identity)
}

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Offline tooling for the secumsg session service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&opts.identity, "identity", envOr("SESSIOND_IDENTITY_FILE", "identity.sealed"), "sealed device identity file")
	root.PersistentFlags().StringVar(&opts.masterKey, "master-key", os.Getenv("SESSIOND_MASTER_KEY"), "base64 master key")
	root.PersistentFlags().StringVarP(&opts.passphrase, "passphrase", "p", os.Getenv("SESSIOND_MASTER_PASSPHRASE"), "passphrase protecting the master key")

	root.AddCommand(
		masterKeyCmd(),
		keygenCmd(opts),
		bundleCmd(opts),
		rotatePrekeyCmd(opts),
		safetyNumberCmd(),
		inspectCmd(opts),
		messageIDCmd(),
		tokenCmd(),
	)
	return root
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
