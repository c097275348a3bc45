package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/paularlott/cli"
)

func AssignCommand() *cli.Command {
	return &cli.Command{
		Name:        "assign",
		Usage:       "Assign a device to an account",
		Description: "Link a device to an account, failing if either is already taken",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "Account ID", Required: true},
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.GetStringArg("id")
			accountID := cmd.GetString("account")
			log.Debug("Assigning device", "id", id, "account", accountID)

			body := fmt.Sprintf(`{"account_id":%q}`, accountID)
			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/devices/"+id+"/assign", cmd.GetString("api-token"), strings.NewReader(body))
			if err != nil {
				log.Error("Failed to connect to server for assign", "error", err, "id", id)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				respBody, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for assign", "status", resp.StatusCode, "body", string(respBody), "id", id)
				return fmt.Errorf("server error: %s", string(respBody))
			}

			log.Info("Device assigned", "id", id, "account", accountID)
			fmt.Printf("Device %s assigned to account %s\n", id, accountID)
			return nil
		},
	}
}

func ReleaseCommand() *cli.Command {
	return &cli.Command{
		Name:        "release",
		Usage:       "Release a device from its account",
		Description: "Remove the assignment link for a device, a no-op if unassigned",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.GetStringArg("id")
			log.Debug("Releasing device", "id", id)

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/devices/"+id+"/release", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for release", "error", err, "id", id)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				respBody, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for release", "status", resp.StatusCode, "body", string(respBody), "id", id)
				return fmt.Errorf("server error: %s", string(respBody))
			}

			log.Info("Device released", "id", id)
			fmt.Printf("Device %s released\n", id)
			return nil
		},
	}
}

func RotateCommand() *cli.Command {
	return &cli.Command{
		Name:        "rotate",
		Usage:       "Rotate an account onto a fresh device",
		Description: "Pick a free replacement device for the account and swap the assignment",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "account", Required: true},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			accountID := cmd.GetStringArg("account")
			log.Debug("Rotating device", "account", accountID)

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/accounts/"+accountID+"/rotate-device", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for rotate", "error", err, "account", accountID)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				respBody, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for rotate", "status", resp.StatusCode, "body", string(respBody), "account", accountID)
				return fmt.Errorf("server error: %s", string(respBody))
			}

			var result struct {
				DeviceID string `json:"device_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return err
			}

			log.Info("Device rotated", "account", accountID, "device", result.DeviceID)
			fmt.Printf("Account %s rotated to device %s\n", accountID, result.DeviceID)
			return nil
		},
	}
}
