package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/paularlott/cli"
)

func AssignCommand() *cli.Command {
	return &cli.Command{
		Name:        "assign",
		Usage:       "Assign a proxy to an account",
		Description: "Link a proxy to an account and attach it to the account's device",
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
			log.Debug("Assigning proxy", "id", id, "account", accountID)

			body := fmt.Sprintf(`{"account_id":%q}`, accountID)
			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/proxies/"+id+"/assign", cmd.GetString("api-token"), strings.NewReader(body))
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

			log.Info("Proxy assigned", "id", id, "account", accountID)
			fmt.Printf("Proxy %s assigned to account %s\n", id, accountID)
			return nil
		},
	}
}

func UnassignCommand() *cli.Command {
	return &cli.Command{
		Name:        "unassign",
		Usage:       "Unassign an account's proxy",
		Description: "Detach the proxy from the account's device and remove the link",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "account", Required: true},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			accountID := cmd.GetStringArg("account")
			log.Debug("Unassigning proxy", "account", accountID)

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/accounts/"+accountID+"/unassign-proxy", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for unassign", "error", err, "account", accountID)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				respBody, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for unassign", "status", resp.StatusCode, "body", string(respBody), "account", accountID)
				return fmt.Errorf("server error: %s", string(respBody))
			}

			log.Info("Proxy unassigned", "account", accountID)
			fmt.Printf("Proxy unassigned from account %s\n", accountID)
			return nil
		},
	}
}

func AutoAssignCommand() *cli.Command {
	return &cli.Command{
		Name:        "auto-assign",
		Usage:       "Assign free proxies to proxy-less accounts",
		Description: "Pair every active account without a proxy to a free proxy, in order",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			log.Debug("Auto-assigning proxies", "server", cmd.GetString("server"))

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/proxies/auto-assign", cmd.GetString("api-token"), nil)
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

			log.Info("Proxy auto-assign finished", "assigned", report.Assigned, "errors", len(report.Errors))
			fmt.Printf("Assigned %d proxies\n", report.Assigned)
			for _, e := range report.Errors {
				fmt.Printf("  %s: %s\n", e.Label, e.Reason)
			}
			return nil
		},
	}
}

func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Reconcile assigned proxies onto devices",
		Description: "Attach every assigned proxy to its account's device, skipping devices that already look configured",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			log.Debug("Syncing proxies", "server", cmd.GetString("server"))

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/proxies/sync", cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for sync", "error", err)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for sync", "status", resp.StatusCode, "body", string(body))
				return fmt.Errorf("server error: %s", string(body))
			}

			var report model.SyncReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return err
			}

			log.Info("Proxy sync finished", "synced", report.Synced, "skipped", report.Skipped, "errors", len(report.Errors))
			fmt.Printf("Synced %d, skipped %d\n", report.Synced, report.Skipped)
			for _, e := range report.Errors {
				fmt.Printf("  %s: %s\n", e.Label, e.Reason)
			}
			return nil
		},
	}
}
