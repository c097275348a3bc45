package account

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
		AddCommand(),
		ImportCommand(),
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

func printAccounts(accounts []model.Account) {
	if len(accounts) == 0 {
		fmt.Println("No accounts found")
		return
	}
	for _, a := range accounts {
		device := a.DeviceID
		if device == "" {
			device = "-"
		}
		proxy := a.ProxyID
		if proxy == "" {
			proxy = "-"
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", a.ID, a.Label, a.Status, device, proxy)
	}
}
