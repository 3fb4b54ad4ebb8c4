package main

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cuemby/outpost/pkg/keys"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "WireGuard key utilities",
}

var keysCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Generate a throwaway key pair and verify it",
	Long: `Check generates an origin/relay key pair the way a deployment does and
verifies that each public key derives from its private key and that both peers
share the preshared key. Only the public keys are printed.`,
	RunE: runKeysCheck,
}

func init() {
	keysCmd.AddCommand(keysCheckCmd)
}

func runKeysCheck(cmd *cobra.Command, args []string) error {
	pair, err := keys.NewManager().GeneratePair()
	if err != nil {
		return err
	}
	defer pair.Zero()

	if err := verifyPair(pair); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "origin public key: %s\n", pair.Origin.PublicKey.Base64())
	fmt.Fprintf(out, "relay public key:  %s\n", pair.Relay.PublicKey.Base64())
	fmt.Fprintln(out, "ok")
	return nil
}

func verifyPair(pair *keys.Pair) error {
	for name, id := range map[string]*keys.Identity{"origin": pair.Origin, "relay": pair.Relay} {
		if id.PrivateKey.IsZero() {
			return fmt.Errorf("%s private key is zero", name)
		}
		derived := id.PrivateKey.WG().PublicKey()
		if !bytes.Equal(derived[:], id.PublicKey[:]) {
			return fmt.Errorf("%s public key does not match its private key", name)
		}
	}
	if pair.Origin.PresharedKey.IsZero() || pair.Origin.PresharedKey != pair.Relay.PresharedKey {
		return errors.New("peers do not share a preshared key")
	}
	if pair.Origin.PublicKey == pair.Relay.PublicKey {
		return errors.New("origin and relay share a key")
	}
	return nil
}
