package zpayd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/keys"
)

var (
	exportKey *bool
	scryptN   *int
)

func init() {
	exportKey = KeygenCmd.Flags().Bool("export", false, "Also print the key in export format. Anyone holding it can redeem the payment")
	scryptN = KeygenCmd.Flags().Int("scryptN", keys.DefaultScryptParams.N, "scrypt cost parameter of the keystore")
}

var KeygenCmd = &cobra.Command{
	Use:   "keygen [KEYSTORE]",
	Short: "Create a payment key in an encrypted keystore at the specified path",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeygen,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	common.SetRestrictiveUmask()

	pw, err := readPassword("New keystore password: ")
	if err != nil {
		return err
	}
	defer clear(pw)

	key, err := keys.NewKeyManager(nil).GenerateKey()
	if err != nil {
		return err
	}
	defer key.Destroy()

	params := keys.DefaultScryptParams
	params.N = *scryptN
	if err := keys.WriteKeystore(args[0], key, pw, params); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Created payment key at %s\n", args[0])
	if *exportKey {
		fmt.Fprintln(cmd.OutOrStdout(), key.Export())
	}
	return nil
}
