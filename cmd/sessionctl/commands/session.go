package commands

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"secumsg/cryptocore"
)

func safetyNumberCmd() *cobra.Command {
	var ourKey, theirKey, ourID, theirID string
	cmd := &cobra.Command{
		Use:   "safety-number",
		Short: "Compute the safety number for two identity keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ours, err := decodeKey("our-key", ourKey)
			if err != nil {
				return err
			}
			theirs, err := decodeKey("their-key", theirKey)
			if err != nil {
				return err
			}
			if ourID == "" || theirID == "" {
				return fmt.Errorf("--our-id and --their-id are required")
			}
			fmt.Fprintln(cmd.OutOrStdout(), cryptocore.GenerateSafetyNumber(ours, theirs, ourID, theirID))
			return nil
		},
	}
	cmd.Flags().StringVar(&ourKey, "our-key", "", "our base64 identity key")
	cmd.Flags().StringVar(&theirKey, "their-key", "", "their base64 identity key")
	cmd.Flags().StringVar(&ourID, "our-id", "", "our user id")
	cmd.Flags().StringVar(&theirID, "their-id", "", "their user id")
	return cmd
}

func inspectCmd(opts *rootOptions) *cobra.Command {
	var path, peer string
	var lifetime time.Duration
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print counters, expiry and integrity of a serialized session",
		Long: "Reads a serialized session from --session (\"-\" for stdin). With --peer the\n" +
			"input is treated as a sealed blob and opened with the master key first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			if peer != "" {
				sealer, err := opts.sealer()
				if err != nil {
					return err
				}
				if raw, err = sealer.Open(raw, []byte(peer)); err != nil {
					return err
				}
			}
			state, err := cryptocore.DeserializeSession(strings.TrimSpace(string(raw)))
			if err != nil {
				return err
			}
			defer cryptocore.DestroySession(state)

			now := time.Now()
			remote, hasRemote := state.RemoteDHPublic.Get()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Ratchet key:       %s\n", base64.StdEncoding.EncodeToString(state.DHKeyPair.Public[:]))
			if hasRemote {
				fmt.Fprintf(out, "Remote ratchet key: %s\n", base64.StdEncoding.EncodeToString(remote[:]))
			}
			fmt.Fprintf(out, "Sending chain:     %t (n=%d, pn=%d)\n", state.SendingChainKey.IsPresent(), state.SendingN, state.PreviousSendingN)
			fmt.Fprintf(out, "Receiving chain:   %t (n=%d)\n", state.ReceivingChainKey.IsPresent(), state.ReceivingN)
			fmt.Fprintf(out, "Skipped keys:      %d\n", state.SkippedKeyCount())
			fmt.Fprintf(out, "Created:           %s\n", state.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Last activity:     %s\n", state.LastActivityAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Expired:           %t\n", state.Expired(now, lifetime))
			fmt.Fprintf(out, "Intact:            %t\n", !state.Expired(now, lifetime) && state.Validate() == nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "session", "-", "serialized session file, - for stdin")
	cmd.Flags().StringVar(&peer, "peer", "", "peer id the blob was sealed for")
	cmd.Flags().DurationVar(&lifetime, "lifetime", cryptocore.DefaultSessionLifetime, "session lifetime used for the expiry check")
	return cmd
}

func messageIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message-id",
		Short: "Generate a message id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := cryptocore.GenerateMessageID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func decodeKey(flag, s string) ([32]byte, error) {
	var k [32]byte
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("--%s: %w", flag, err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("--%s: want 32 bytes, got %d", flag, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
