package proxy

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
		Usage:       "Add a new proxy",
		Description: "Add a proxy endpoint to the local store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "Proxy host", Required: true},
			&cli.IntFlag{Name: "port", Usage: "Proxy port", Required: true},
			&cli.StringFlag{Name: "username", Usage: "Proxy username"},
			&cli.StringFlag{Name: "password", Usage: "Proxy password"},
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			proxy := &model.Proxy{
				Host:     cmd.GetString("host"),
				Port:     cmd.GetInt("port"),
				Username: cmd.GetString("username"),
				Password: cmd.GetString("password"),
			}
			log.Debug("Adding proxy", "proxy", proxy.Addr())

			data, err := json.Marshal(proxy)
			if err != nil {
				return err
			}

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/proxies", cmd.GetString("api-token"), strings.NewReader(string(data)))
			if err != nil {
				log.Error("Failed to connect to server", "error", err, "proxy", proxy.Addr())
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusCreated {
				body, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error", "status", resp.StatusCode, "body", string(body), "proxy", proxy.Addr())
				return fmt.Errorf("server error: %s", string(body))
			}

			if err := json.NewDecoder(resp.Body).Decode(proxy); err != nil {
				return err
			}

			log.Info("Proxy created", "id", proxy.ID, "proxy", proxy.Addr())
			fmt.Printf("Proxy created: %s (ID: %s)\n", proxy.Addr(), proxy.ID)
			return nil
		},
	}
}

func ImportCommand() *cli.Command {
	return &cli.Command{
		Name:        "import",
		Usage:       "Import proxies from a file",
		Description: "Bulk-import proxies from a file of host:port:user:pass lines",
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
				log.Error("Failed to read proxy file", "error", err, "file", file)
				return err
			}
			log.Debug("Importing proxies", "file", file)

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/proxies/import", cmd.GetString("api-token"), strings.NewReader(string(data)))
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

			log.Info("Proxies imported", "imported", report.Assigned, "errors", len(report.Errors))
			fmt.Printf("Imported %d proxies\n", report.Assigned)
			for _, e := range report.Errors {
				fmt.Printf("  %s: %s\n", e.Label, e.Reason)
			}
			return nil
		},
	}
}
