package proxy

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
		Usage:       "List all proxies",
		Description: "List all proxies in the local store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			log.Debug("Listing proxies", "server", cmd.GetString("server"))

			resp, err := makeRequest("GET", cmd.GetString("server")+"/api/proxies", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for list", "error", err)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				log.Error("Server returned error for list", "status", resp.Status)
				return fmt.Errorf("server error: %s", resp.Status)
			}

			var proxies []model.Proxy
			if err := json.NewDecoder(resp.Body).Decode(&proxies); err != nil {
				log.Error("Failed to decode proxy list response", "error", err)
				return err
			}

			printProxies(proxies)
			return nil
		},
	}
}

func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:        "status",
		Usage:       "Show assigned proxy configuration status",
		Description: "Report, per assigned proxy, whether its device currently looks configured",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			log.Debug("Fetching proxy status", "server", cmd.GetString("server"))

			resp, err := makeRequest("GET", cmd.GetString("server")+"/api/proxies/status", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for status", "error", err)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				log.Error("Server returned error for status", "status", resp.Status)
				return fmt.Errorf("server error: %s", resp.Status)
			}

			var status map[string]bool
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return err
			}

			if len(status) == 0 {
				fmt.Println("No assigned proxies")
				return nil
			}
			for id, configured := range status {
				state := "not configured"
				if configured {
					state = "configured"
				}
				fmt.Printf("%s\t%s\n", id, state)
			}
			return nil
		},
	}
}
