package account

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/paularlott/cli"
)

func AddCommand() *cli.Command {
	return &cli.Command{
		Name:        "add",
		Usage:       "Add a new account",
		Description: "Create an account in the local store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "label", Usage: "Account label", Required: true},
			&cli.StringFlag{Name: "status", Usage: "Account status (active/pending/disabled)", DefaultValue: "active"},
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			account := &model.Account{
				Label:  cmd.GetString("label"),
				Status: model.AccountStatus(cmd.GetString("status")),
			}
			log.Debug("Adding account", "label", account.Label)

			data, err := json.Marshal(account)
			if err != nil {
				return err
			}

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/accounts", cmd.GetString("api-token"), strings.NewReader(string(data)))
			if err != nil {
				log.Error("Failed to connect to server", "error", err, "label", account.Label)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusCreated {
				body, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error", "status", resp.StatusCode, "body", string(body), "label", account.Label)
				return fmt.Errorf("server error: %s", string(body))
			}

			if err := json.NewDecoder(resp.Body).Decode(account); err != nil {
				return err
			}

			log.Info("Account created", "label", account.Label, "id", account.ID)
			fmt.Printf("Account created: %s (ID: %s)\n", account.Label, account.ID)
			return nil
		},
	}
}

func ImportCommand() *cli.Command {
	return &cli.Command{
		Name:        "import",
		Usage:       "Import accounts from a JSON file",
		Description: "Bulk-import accounts from a JSON array file",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "file", Required: true},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			file := cmd.GetStringArg("file")
			data, err := os.ReadFile(file)
			if err != nil {
				log.Error("Failed to read account file", "error", err, "file", file)
				return err
			}
			log.Debug("Importing accounts", "file", file)

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/accounts/import", cmd.GetString("api-token"), strings.NewReader(string(data)))
			if err != nil {
				log.Error("Failed to connect to server for import", "error", err)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for import", "status", resp.StatusCode, "body", string(body))
				return fmt.Errorf("server error: %s", string(body))
			}

			var report model.AssignReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return err
			}

			log.Info("Accounts imported", "imported", report.Assigned, "errors", len(report.Errors))
			fmt.Printf("Imported %d accounts\n", report.Assigned)
			for _, e := range report.Errors {
				fmt.Printf("  %s: %s\n", e.Label, e.Reason)
			}
			return nil
		},
	}
}
