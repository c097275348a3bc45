package device

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/martinsuchenak/fleetd/internal/config"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/paularlott/cli"
)

func Commands() []*cli.Command {
	return []*cli.Command{
		ListCommand(),
		RefreshCommand(),
		AssignCommand(),
		ReleaseCommand(),
		RotateCommand(),
		AutoAssignCommand(),
		CleanupCommand(),
		StartCommand(),
		StopCommand(),
		RestartCommand(),
	}
}

func getDefaultServerURL() string {
	cfg := config.Load()
	return "http://localhost" + cfg.ListenAddr
}

func createHTTPClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

func addAuthHeader(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// makeRequest issues an API call. Pass a nil body for requests without one;
// a typed nil reader would reach the http package as a non-nil interface.
func makeRequest(method, url, token string, body io.Reader) (*http.Response, error) {
	client := createHTTPClient()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	addAuthHeader(req, token)
	return client.Do(req)
}

func printDevices(devices []model.Device) {
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return
	}
	for _, d := range devices {
		checked := "never"
		if d.StatusCheckedAt != nil {
			checked = d.StatusCheckedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.PowerState, d.LastIP, checked)
	}
}

func printOutcome(outcome *model.PowerOutcome) {
	switch {
	case outcome.Success:
		fmt.Println("Command succeeded")
	case outcome.Pending:
		fmt.Println("Command accepted, outcome pending")
	default:
		fmt.Printf("Command failed: %s\n", outcome.Message)
	}
}
