// Command nrfhw-sim is a thin front end over the nrfhw simulator: it
// dials an external Phy process over a pair of named pipes and runs the
// scheduler forward until a deadline, logging to stderr as peripherals
// fire. Grounded on the teacher's cmd-line front end shape (flag-based
// configuration, no subcommands) rather than introducing a CLI framework
// nothing else in this module needs.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"nrfhw"
	"nrfhw/scheduler"
)

func main() {
	var (
		toPhy      = flag.String("to-phy", "", "path to the device->Phy named pipe")
		fromPhy    = flag.String("from-phy", "", "path to the Phy->device named pipe")
		runUs      = flag.Int64("run-us", 1_000_000, "virtual microseconds to run before exiting")
		fabric     = flag.String("fabric", "ppi", "event fabric to wire: ppi or dppi")
		realAES    = flag.Bool("real-aes", true, "perform real AES-CCM instead of a pass-through transform")
		startOffMs = flag.Int64("start-offset-ms", 0, "device-to-Phy epoch offset in milliseconds")
		xoDrift    = flag.Float64("xo-drift", 0, "fractional crystal drift applied at the Phy boundary")
	)
	flag.Parse()

	if *toPhy == "" || *fromPhy == "" {
		fmt.Fprintln(os.Stderr, "nrfhw-sim: -to-phy and -from-phy are required")
		os.Exit(2)
	}

	cfg := nrfhw.DefaultConfig()
	cfg.PhyToPath = *toPhy
	cfg.PhyFromPath = *fromPhy
	cfg.RealEncryption = *realAES
	cfg.StartOffset = time.Duration(*startOffMs) * time.Millisecond
	cfg.XODrift = *xoDrift
	switch *fabric {
	case "dppi":
		cfg.Fabric = nrfhw.FabricDPPI
	case "ppi":
		cfg.Fabric = nrfhw.FabricPPI
	default:
		fmt.Fprintf(os.Stderr, "nrfhw-sim: unknown -fabric %q, want ppi or dppi\n", *fabric)
		os.Exit(2)
	}

	sim, err := nrfhw.NewSimulator(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nrfhw-sim: %v\n", err)
		os.Exit(1)
	}

	final := sim.Run(scheduler.Time(*runUs))
	fmt.Printf("nrfhw-sim: ran to t=%dus\n", final)
}
