package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/devlink/internal/session"
	"github.com/nextlevelbuilder/devlink/pkg/protocol"
)

// pairingUser is the admin identity devices get paired to.
var pairingUser string

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Pair devices through the running gateway (request, submit, list)",
	}
	cmd.PersistentFlags().StringVarP(&pairingUser, "user", "u", adminUser,
		"user id to act as when minting a token (ignored when DEVLINK_ADMIN_TOKEN is set)")

	cmd.AddCommand(pairingRequestCmd())
	cmd.AddCommand(pairingSubmitCmd())
	cmd.AddCommand(pairingListCmd())

	return cmd
}

func pairingRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <deviceId>",
		Short: "Ask a connected device to show a verification code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := gatewayAdmin(pairingUser, protocol.EventVerificationRequest,
				map[string]string{"deviceId": args[0]},
				protocol.EventVerificationRequested, protocol.EventVerificationError, protocol.EventProtocolError)
			if err != nil {
				return err
			}
			if err := frameError(f); err != nil {
				return err
			}
			fmt.Printf("Verification requested. Read the code from %s, then run:\n", args[0])
			fmt.Printf("  devlink pairing submit --user %s %s <code>\n", pairingUser, args[0])
			return nil
		},
	}
}

func pairingSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <deviceId> [code]",
		Short: "Submit the code shown by a device (prompts if no code given)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]
			var code string
			if len(args) == 2 {
				code = args[1]
			} else {
				var err error
				code, err = promptCode(deviceID)
				if err != nil {
					fmt.Println("Cancelled.")
					return nil
				}
			}

			f, err := gatewayAdmin(pairingUser, protocol.EventVerificationSubmit,
				map[string]string{"deviceId": deviceID, "code": code},
				protocol.EventVerificationSuccess, protocol.EventVerificationError, protocol.EventProtocolError)
			if err != nil {
				return err
			}
			if err := frameError(f); err != nil {
				return err
			}

			var res struct {
				DeviceID      string `json:"deviceId"`
				DeviceName    string `json:"deviceName"`
				ConnectionKey string `json:"connectionKey"`
			}
			if err := json.Unmarshal(f.Payload, &res); err != nil {
				return fmt.Errorf("parse result: %w", err)
			}
			fmt.Printf("Device paired! %s (%s)\n", res.DeviceName, res.DeviceID)
			fmt.Printf("  Connection key: %s\n", res.ConnectionKey)
			return nil
		},
	}
}

func pairingListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List devices connected to the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := gatewayAdmin(pairingUser, protocol.EventDevicesList, struct{}{},
				protocol.EventDevicesConnected, protocol.EventProtocolError)
			if err != nil {
				return err
			}
			if err := frameError(f); err != nil {
				return err
			}

			if asJSON {
				var v interface{}
				json.Unmarshal(f.Payload, &v)
				data, _ := json.MarshalIndent(v, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			var devices []session.ConnectedDevice
			if err := json.Unmarshal(f.Payload, &devices); err != nil {
				return fmt.Errorf("parse device list: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("No devices connected.")
				return nil
			}
			fmt.Printf("%-24s %-20s %s\n", "DEVICE", "STATE", "CONNECTED")
			for _, d := range devices {
				ago := time.Since(d.ConnectedAt).Truncate(time.Second)
				fmt.Printf("%-24s %-20s %s ago\n", d.DeviceID, d.PairingState, ago)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}
