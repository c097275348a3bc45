package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/paularlott/cli"
)

func RefreshCommand() *cli.Command {
	return &cli.Command{
		Name:        "refresh",
		Usage:       "Refresh devices from the provider",
		Description: "Import the provider's device listing into the local store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			log.Debug("Refreshing devices", "server", cmd.GetString("server"))

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/devices/refresh", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for refresh", "error", err)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for refresh", "status", resp.StatusCode, "body", string(body))
				return fmt.Errorf("server error: %s", string(body))
			}

			var result struct {
				Count int `json:"count"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return err
			}

			log.Info("Devices refreshed", "count", result.Count)
			fmt.Printf("Refreshed %d devices\n", result.Count)
			return nil
		},
	}
}
