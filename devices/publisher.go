package devices

import "nrfhw/fabric"

// Publisher is implemented by both fabric.PPI and fabric.DPPI: every
// peripheral raises its events through whichever fabric variant the
// simulator wired it to, without needing to know which one it is.
type Publisher interface {
	Publish(ev fabric.EventID)
}
