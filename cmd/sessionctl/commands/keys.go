package commands

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"secumsg/internal/keyfile"
	"secumsg/internal/vault"
)

func masterKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "master-key",
		Short: "Generate a random base64 master key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func keygenCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the device identity and store it sealed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(opts.identity); err == nil {
					return fmt.Errorf("%s already exists (use --force to replace it)", opts.identity)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			sealer, err := opts.sealer()
			if err != nil {
				return err
			}
			if force {
				if err := os.Remove(opts.identity); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			dev, _, err := keyfile.LoadOrCreate(opts.identity, sealer)
			if err != nil {
				return err
			}
			dh, signing := dev.IdentityPublic()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity written to %s\n", opts.identity)
			fmt.Fprintf(out, "Identity key: %s\n", base64.StdEncoding.EncodeToString(dh[:]))
			fmt.Fprintf(out, "Signing key:  %s\n", base64.StdEncoding.EncodeToString(signing))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}

func bundleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bundle",
		Short: "Print the prekey bundle of the stored identity as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sealer, err := opts.sealer()
			if err != nil {
				return err
			}
			dev, err := keyfile.Load(opts.identity, sealer)
			if err != nil {
				return err
			}
			defer dev.Wipe()
			b, err := dev.PublishPrekeyBundle()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string][]byte{
				"identity_key":           b.IdentityKey[:],
				"identity_signature_key": b.IdentitySignatureKey,
				"signed_prekey":          b.SignedPrekey[:],
				"signed_prekey_sig":      b.SignedPrekeySig,
			})
		},
	}
}

func rotatePrekeyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-prekey",
		Short: "Replace the signed prekey of the stored identity",
		Long: "Replace the signed prekey of the stored identity. Existing sessions are kept;\n" +
			"handshakes built from the previous bundle can no longer be accepted.\n" +
			"A running sessiond picks up the new prekey on restart.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sealer, err := opts.sealer()
			if err != nil {
				return err
			}
			dev, err := keyfile.Load(opts.identity, sealer)
			if err != nil {
				return err
			}
			defer dev.Wipe()
			if err := dev.RotateSignedPrekey(); err != nil {
				return err
			}
			if err := keyfile.Save(opts.identity, dev, sealer); err != nil {
				return err
			}
			b, err := dev.PublishPrekeyBundle()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed prekey: %s\n", base64.StdEncoding.EncodeToString(b.SignedPrekey[:]))
			return nil
		},
	}
}
