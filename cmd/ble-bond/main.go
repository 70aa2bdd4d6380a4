// ble-bond ensures a valid BLE bond with a target peripheral before a
// downstream application connects. It drives BlueZ over the system D-Bus:
// adapter readiness, bond verification with a test connect, LE discovery,
// PIN-agent pairing, and trust assignment.
//
// Exit codes: 0 bond valid/established, 1 no valid bond (--check-only),
// 2 pairing or discovery failure, 3 adapter failure, 4 D-Bus permission
// failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"ble-bond/internal/bondmgr"
)

const (
	toolName = "ble-bond"
	version  = "1.0.0"
)

func main() {
	app := cli.NewApp()
	app.Name = toolName
	app.Version = version
	app.Usage = "establish and verify a BLE bond via BlueZ before your application connects"
	app.ArgsUsage = "MAC"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "pin",
			Usage: "PIN code for non-interactive pairing (for systemd / scripts)",
		},
		cli.BoolFlag{
			Name:  "check-only",
			Usage: "check whether a valid bond exists, without pairing",
		},
		cli.BoolFlag{
			Name:  "force-repair",
			Usage: "skip verification, remove the bond and re-pair",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "enable verbose output for debugging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		// ExitCoder errors are handled inside app.Run; anything else is a
		// usage-level failure.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(bondmgr.ResultPairingFailed))
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: ble-bond [options] MAC", int(bondmgr.ResultPairingFailed))
	}
	mac, err := bondmgr.CanonicalMAC(c.Args().First())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Expected format: AA:BB:CC:DD:EE:FF")
		return cli.NewExitError("", int(bondmgr.ResultPairingFailed))
	}
	if c.Bool("check-only") && c.Bool("force-repair") {
		return cli.NewExitError("Error: --check-only and --force-repair are mutually exclusive", int(bondmgr.ResultPairingFailed))
	}

	verbose := c.Bool("verbose")
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}
	log.SetFormatter(&log.TextFormatter{DisableQuote: true})

	out := newConsoleOutput(verbose)
	out.banner()

	var pinSource bondmgr.PINSource
	if pin := c.String("pin"); pin != "" {
		pinSource = staticPIN(pin)
	} else {
		pinSource = &terminalPIN{}
	}

	// Ctrl-C / SIGTERM cancels the run; cleanup still happens on the way
	// out (agent unregistration, scan stop, bus teardown).
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	result := bondmgr.Run(ctx, bondmgr.Options{
		MAC:         mac,
		PIN:         pinSource,
		CheckOnly:   c.Bool("check-only"),
		ForceRepair: c.Bool("force-repair"),
		Reporter:    out,
	})
	if result != bondmgr.ResultOK {
		return cli.NewExitError("", int(result))
	}
	return nil
}
