package zpayd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/payment"
)

var nullifierDst *string

func init() {
	nullifierDst = NullifierCmd.Flags().String("dst", "", "Destination chain (default: the registry's only chain)")
}

var NullifierCmd = &cobra.Command{
	Use:   "nullifier [KEYSTORE]",
	Short: "Print the nullifier a payment key spends on redemption",
	Args:  cobra.ExactArgs(1),
	RunE:  runNullifier,
}

func runNullifier(cmd *cobra.Command, args []string) error {
	env, err := environment()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(env)
	if err != nil {
		return err
	}
	dst, err := chainID(registry, *nullifierDst)
	if err != nil {
		return err
	}

	key, err := loadKey(args[0])
	if err != nil {
		return err
	}
	defer key.Destroy()

	n, err := payment.NewDeriver(registry).GetNullifier(key, dst)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n.Hex())
	return nil
}
