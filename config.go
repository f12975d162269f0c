package nrfhw

import "time"

// FabricKind selects which event-routing fabric the simulator wires:
// fixed-slot PPI or fully-routed DPPI (spec.md §4.5). A real SoC ships one
// or the other, never both, so Simulator only ever constructs one.
type FabricKind int

const (
	// FabricPPI wires the fixed 32-channel PPI with EEP/TEP/FORK_TEP
	// address registers.
	FabricPPI FabricKind = iota
	// FabricDPPI wires the fully-routed DPPI with per-register
	// PUBLISH_*/SUBSCRIBE_* encoding and channel groups.
	FabricDPPI
)

// Config bundles the construction-time knobs spec.md §6 calls out:
// device/Phy clock correlation (StartOffset, XODrift), whether CCM does
// real AES-CCM or a pass-through transform, which Phy transport to use,
// and which event fabric variant to build.
type Config struct {
	// StartOffset is the device-to-Phy epoch offset taken by
	// phy.PhyTimeFromDev/DevTimeFromPhy. The Simulator stores it but does
	// not apply it: the Radio's Phy times are unconverted.
	StartOffset time.Duration
	// XODrift is the fractional crystal drift applied alongside
	// StartOffset.
	XODrift float64

	// RealEncryption selects true AES-CCM (the default) over CCM's
	// pass-through identity transform, which integration tests use to
	// avoid needing real key material (devices.CCM.SetRealEncryption).
	RealEncryption bool

	// Fabric selects PPI or DPPI wiring.
	Fabric FabricKind

	// PhyToPath/PhyFromPath name the pair of named pipes a FIFOConn dials
	// to reach an external Phy process. Leave both empty to run with no
	// external Phy (devices.Radio then needs a phy.Conn supplied directly,
	// e.g. phy.MockConn, via NewSimulatorWithConn).
	PhyToPath, PhyFromPath string

	// MemSize is the size in bytes of the flat device memory image backing
	// PACKETPTR/INPTR/OUTPTR/CNFPTR/IRKPTR/ADDRPTR dereferences.
	MemSize int
}

// DefaultConfig returns the configuration the referenced SoC's BLE stack
// assumes out of the box: PPI fabric, real AES-CCM, a 64KB device image,
// and no Phy transport wired (the caller must dial one explicitly).
func DefaultConfig() Config {
	return Config{
		RealEncryption: true,
		Fabric:         FabricPPI,
		MemSize:        64 * 1024,
	}
}
