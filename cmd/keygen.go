package main

import (
	"fmt"

	"ledger-project/signer"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh secp256k1 key pair and its ledger address",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := signer.GenerateKeyPair()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address:     %s\n", kp.Address)
			fmt.Fprintf(out, "public_key:  %s\n", hexutil.Encode(kp.PublicKey))
			fmt.Fprintf(out, "private_key: %s\n", hexutil.Encode(kp.PrivateKey))
			return nil
		},
	}
}
