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

func StartCommand() *cli.Command {
	return powerCommand("start", "Start a device", "Power on a device and record the pending state")
}

func StopCommand() *cli.Command {
	return powerCommand("stop", "Stop a device", "Power off a device and record the pending state")
}

func RestartCommand() *cli.Command {
	return powerCommand("restart", "Restart a device", "Stop a device, wait for it to settle, then start it again")
}

func powerCommand(verb, usage, description string) *cli.Command {
	return &cli.Command{
		Name:        verb,
		Usage:       usage,
		Description: description,
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "id", Required: true},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL", DefaultValue: getDefaultServerURL()},
			&cli.StringFlag{Name: "api-token", Usage: "API authentication token", EnvVars: []string{"FLEETD_API_TOKEN"}},
		},
		Run: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.GetStringArg("id")
			log.Debug("Sending power command", "verb", verb, "id", id)

			resp, err := makeRequest("POST", cmd.GetString("server")+"/api/devices/"+id+"/"+verb, cmd.GetString("api-token"), nil)
			if err != nil {
				log.Error("Failed to connect to server for power command", "error", err, "verb", verb, "id", id)
				return fmt.Errorf("failed to connect to server: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				log.Error("Server returned error for power command", "status", resp.StatusCode, "body", string(body), "verb", verb, "id", id)
				return fmt.Errorf("server error: %s", string(body))
			}

			var outcome model.PowerOutcome
			if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
				return err
			}

			log.Info("Power command finished", "verb", verb, "id", id, "success", outcome.Success, "pending", outcome.Pending)
			printOutcome(&outcome)
			return nil
		},
	}
}
