package account

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/paularlott/cli"
)

func ListCommand() *cli.Command {
	return &cli.Command{
		Name:        "list",
		Usage:       "List all accounts",
		Description: "List all accounts with their device and proxy assignments",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			log.Debug("Listing accounts", "server", cmd.GetString("server"))

			resp, err := makeRequest("GET", cmd.GetString("server")+"/api/accounts", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for list", "error", err)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				log.Error("Server returned error for list", "status", resp.Status)
				return fmt.Errorf("server error: %s", resp.Status)
			}

			var accounts []model.Account
			if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
				log.Error("Failed to decode account list response", "error", err)
				return err
			}

			printAccounts(accounts)
			return nil
		},
	}
}
