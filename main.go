package main

import (
	"context"
	"fmt"
	"os"

	"github.com/martinsuchenak/fleetd/cmd/account"
	"github.com/martinsuchenak/fleetd/cmd/device"
	"github.com/martinsuchenak/fleetd/cmd/proxy"
	"github.com/martinsuchenak/fleetd/cmd/server"
	"github.com/paularlott/cli"
)

func main() {
	app := &cli.Command{
		Name:        "fleetd",
		Usage:       "Cloud phone and proxy fleet controller",
		Description: "Manage rented cloud phones, egress proxies, and their account bindings",
		Commands: []*cli.Command{
			server.Command(),
			{
				Name:        "device",
				Usage:       "Manage devices",
				Description: "List, assign, and power-control fleet devices",
				Commands:    device.Commands(),
			},
			{
				Name:        "proxy",
				Usage:       "Manage proxies",
				Description: "List, assign, and sync egress proxies",
				Commands:    proxy.Commands(),
			},
			{
				Name:        "account",
				Usage:       "Manage accounts",
				Description: "List and import accounts",
				Commands:    account.Commands(),
			},
		},
	}

	if err := app.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
