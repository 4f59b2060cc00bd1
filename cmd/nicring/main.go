package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/nicring/nicring"
	"github.com/nicring/nicring/config"
	"github.com/nicring/nicring/util"
	"github.com/sirupsen/logrus"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	mtuFrom := flag.String("mtu-from", "", "Use the MTU of this network interface for ring.mtu")
	dumpRings := flag.Bool("dump-rings", false, "Print both descriptor rings on shutdown")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	if *mtuFrom != "" {
		mtu, err := linkMTU(*mtuFrom)
		if err != nil {
			fmt.Printf("failed to read the MTU of %s: %s", *mtuFrom, err)
			os.Exit(1)
		}
		setMTU(c, mtu)
	}

	ctrl, err := nicring.Main(c, *configTest, Build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if !*configTest {
		if *dumpRings {
			ctrl.DumpRingsOnStop(os.Stdout)
		}

		if err := ctrl.Start(); err != nil {
			util.LogWithContextIfNeeded("Failed to open the device", err, l)
			os.Exit(1)
		}

		ctrl.ShutdownBlock()
		if err := ctrl.Report(os.Stdout); err != nil {
			l.WithError(err).Error("Failed to write the report")
		}
	}

	os.Exit(0)
}

// setMTU overrides ring.mtu in the loaded settings.
func setMTU(c *config.C, mtu int) {
	if c.Settings == nil {
		c.Settings = map[string]any{}
	}

	ring, ok := c.Settings["ring"].(map[string]any)
	if !ok {
		ring = map[string]any{}
		c.Settings["ring"] = ring
	}
	ring["mtu"] = mtu
}
