package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/hash-backend/internal/registry"
	"github.com/fxnlabs/hash-backend/internal/version"
	"github.com/fxnlabs/hash-backend/pkg/backend"
	"github.com/urfave/cli/v2"
)

type deviceReport struct {
	backend.DeviceInfo
	Algorithms []string `json:"algorithms"`
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List devices and the algorithms each one supports",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the device table as JSON"},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			b, err := openBackend(cfg, cfg.Bfactor, appLogger(c))
			if err != nil {
				return err
			}
			defer b.Release()

			client, err := backend.Bind(b.API(), backend.Version)
			if err != nil {
				return err
			}
			devices, err := client.Devices()
			if err != nil {
				return err
			}
			reports := make([]deviceReport, 0, len(devices))
			for _, d := range devices {
				reports = append(reports, deviceReport{DeviceInfo: d, Algorithms: b.Registry().Supported(d.Tier)})
			}

			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}
			printDevices(c, reports)
			return nil
		},
	}
}

func printDevices(c *cli.Context, reports []deviceReport) {
	w := c.App.Writer
	fmt.Fprintln(w, figure.NewFigure(version.AppName+" Hash", "", true).String())

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tCC\tMEMORY\tSMS\tCLOCK\tBUS\tALGORITHMS")
	for _, d := range reports {
		algos := "none"
		if len(d.Algorithms) > 0 {
			algos = strings.Join(d.Algorithms, ",")
		}
		fmt.Fprintf(tw, "%d\t%s\t%d.%d\t%d MiB\t%d\t%d MHz\t%02x\t%s\n",
			d.Index, d.Name, d.Tier/10, d.Tier%10, d.TotalMemory>>20,
			d.Multiprocessors, d.ClockMHz, d.PCIBus, algos)
	}
	tw.Flush()
	if len(reports) == 0 {
		fmt.Fprintln(w, "No devices found.")
	}
}

func kernelsCommand() *cli.Command {
	return &cli.Command{
		Name:      "kernels",
		Usage:     "List the algorithms compiled for a compute tier",
		ArgsUsage: "<tier>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("expected one tier such as 8.6 or sm_61")
			}
			tier, err := registry.ParseTier(c.Args().First())
			if err != nil {
				return err
			}
			supported := registry.New(appLogger(c)).Supported(tier)
			if len(supported) == 0 {
				fmt.Fprintf(c.App.Writer, "No kernels for sm_%d\n", tier)
				return nil
			}
			for _, id := range supported {
				fmt.Fprintln(c.App.Writer, id)
			}
			return nil
		},
	}
}
