package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/paularlott/cli"
)

func AutoAssignCommand() *cli.Command {
	return &cli.Command{
		Name:        "auto-assign",
		Usage:       "Assign free devices to device-less accounts",
		Description: "Pair every active account without a device to a free device, in order",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			log.Debug("Auto-assigning devices", "server", cmd.GetString("server"))

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/devices/auto-assign", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for auto-assign", "error", err)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for auto-assign", "status", resp.StatusCode, "body", string(body))
				return fmt.Errorf("server error: %s", string(body))
			}

			var report model.AssignReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return err
			}

			log.Info("Device auto-assign finished", "assigned", report.Assigned, "errors", len(report.Errors))
			fmt.Printf("Assigned %d devices\n", report.Assigned)
			for _, e := range report.Errors {
				fmt.Printf("  %s: %s\n", e.Label, e.Reason)
			}
			return nil
		},
	}
}

func CleanupCommand() *cli.Command {
	return &cli.Command{
		Name:        "cleanup",
		Usage:       "Release assignments held by disabled accounts",
		Description: "Release device and proxy assignments whose owning account is disabled",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			log.Debug("Cleaning up stale assignments", "server", cmd.GetString("server"))

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/devices/cleanup", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for cleanup", "error", err)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for cleanup", "status", resp.StatusCode, "body", string(body))
				return fmt.Errorf("server error: %s", string(body))
			}

			var result struct {
				Cleaned int `json:"cleaned"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return err
			}

			log.Info("Cleanup finished", "cleaned", result.Cleaned)
			fmt.Printf("Released %d stale assignments\n", result.Cleaned)
			return nil
		},
	}
}
