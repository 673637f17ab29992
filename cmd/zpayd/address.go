package zpayd

import (
	"fmt"
	"io"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/keys"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/payment"
)

var (
	addressBeneficiaries *[]string
	addressDst           *string
	addressAsset         *string
	addressQR            *bool
	addressQRFile        *string
)

func init() {
	addressBeneficiaries = AddressCmd.Flags().StringSlice("beneficiary", nil, "Beneficiary address, repeatable")
	addressDst = AddressCmd.Flags().String("dst", "", "Destination chain, e.g. ethereum.1 (default: the registry's only chain)")
	addressAsset = AddressCmd.Flags().String("asset", "", "Underlying token the payer wraps (default: the chain's only asset)")
	addressQR = AddressCmd.Flags().Bool("qr", false, "Print the deposit address as a QR code")
	addressQRFile = AddressCmd.Flags().String("qrFile", "", "Write the deposit address as a PNG QR code to this file")
}

var AddressCmd = &cobra.Command{
	Use:   "address [KEYSTORE]",
	Short: "Print the deposit address of a payment key for a set of beneficiaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddress,
}

func runAddress(cmd *cobra.Command, args []string) error {
	env, err := environment()
	if err != nil {
		return err
	}
	registry, err := loadRegistry(env)
	if err != nil {
		return err
	}
	beneficiaries, err := parseBeneficiaries(*addressBeneficiaries)
	if err != nil {
		return err
	}
	dst, err := chainID(registry, *addressDst)
	if err != nil {
		return err
	}
	asset, err := defaultAsset(registry, dst, *addressAsset)
	if err != nil {
		return err
	}

	key, err := loadKey(args[0])
	if err != nil {
		return err
	}
	defer key.Destroy()

	deposit, err := depositAddress(registry, key, beneficiaries, dst, asset)
	if err != nil {
		return err
	}
	printDeposit(cmd.OutOrStdout(), deposit)

	if *addressQR {
		q, err := qrcode.New(deposit.Address.Hex(), qrcode.Medium)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), q.ToSmallString(false))
	}
	if *addressQRFile != "" {
		if err := qrcode.WriteFile(deposit.Address.Hex(), qrcode.Medium, 256, *addressQRFile); err != nil {
			return fmt.Errorf("failed to write QR code: %w", err)
		}
	}
	return nil
}

func depositAddress(registry *common.ChainRegistry, key *keys.PaymentKey, beneficiaries []ethcommon.Address, dst common.UniversalChainID, asset ethcommon.Address) (*payment.DepositAddress, error) {
	return payment.NewDeriver(registry).GetDepositAddress(key, beneficiaries, dst, payment.WithAsset(asset))
}

func printDeposit(w io.Writer, d *payment.DepositAddress) {
	fmt.Fprintf(w, "deposit address: %s\n", d.Address.Hex())
	fmt.Fprintf(w, "destination:     %s\n", d.DestinationChainID)
	fmt.Fprintf(w, "zAsset:          %s\n", d.ZAsset.Hex())
	for _, b := range d.Beneficiaries {
		fmt.Fprintf(w, "beneficiary:     %s\n", b.Hex())
	}
}
