package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jrsteele09/authflow/token/keys"
)

// newKeygenCommand prints or writes a PEM signing key usable as a catalog signing_key file.
func newKeygenCommand() *cobra.Command {
	var (
		alg  string
		kid  string
		bits int
		out  string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a tenant signing key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				kp  *keys.KeyPair
				err error
			)
			switch alg {
			case "rsa":
				kp, err = keys.GenerateRSAKeyPair(kid, bits)
			case "ec":
				kp, err = keys.GenerateECKeyPair(kid)
			default:
				return errors.Errorf("unknown key algorithm %q, use rsa or ec", alg)
			}
			if err != nil {
				return err
			}
			pem, err := kp.ExportPrivateKeyPEM()
			if err != nil {
				return err
			}
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), pem)
				return err
			}
			return errors.Wrap(os.WriteFile(out, []byte(pem), 0o600), "[keygen] write key")
		},
	}
	cmd.Flags().StringVar(&alg, "alg", "ec", "key algorithm: rsa or ec")
	cmd.Flags().StringVar(&kid, "kid", "signing-1", "key id published in the JWKS")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the key to a file instead of stdout")
	return cmd
}
