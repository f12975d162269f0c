package nrfhw

import "nrfhw/fabric"

// Central enumeration of every EventID/TaskID the fabric can route.
// Peripherals never invent their own numbering; the simulator binds each
// instance's abstract IDs from this table at construction time so PPI's
// fixed channels and DPPI's PUBLISH_*/SUBSCRIBE_* registers refer to a
// single, stable address space regardless of which peripheral instance
// backs a given event in a particular build (e.g. RTC0 vs RTC1).
const (
	evNone fabric.EventID = iota

	evClockLFStarted
	evClockHFStarted

	evRadioReady
	evRadioAddress
	evRadioPayload
	evRadioEnd
	evRadioDisabled
	evRadioDevMatch
	evRadioDevMiss
	evRadioRSSIEnd
	evRadioBCMatch
	evRadioCRCOk
	evRadioCRCError
	evRadioFrameStart
	evRadioCCAIdle
	evRadioCCABusy
	evRadioCCAStopped
	evRadioTxReady
	evRadioRxReady
	evRadioRateBoost
	evRadioEDEnd
	evRadioEDStopped

	evRTC0Tick
	evRTC0Ovrflw
	evRTC0Compare0
	evRTC0Compare1
	evRTC0Compare2

	evTimer0Compare0
	evTimer0Compare1
	evTimer0Compare2
	evTimer0Compare3

	evCCMEndKSGen
	evCCMEndCrypt
	evCCMError

	evAAREnd
	evAARResolved
	evAARNotResolved
)

const (
	tkNone fabric.TaskID = iota

	tkRadioTxEn
	tkRadioRxEn
	tkRadioStart
	tkRadioStop
	tkRadioDisable
	tkRadioCCAStart
	tkRadioCCAStop
	tkRadioRSSIStart
	tkRadioRSSIStop
	tkRadioBCStart
	tkRadioBCStop
	tkRadioEDStart
	tkRadioEDStop

	tkRTC0Start
	tkRTC0Stop
	tkRTC0Clear
	tkRTC0TrigOvrflw
	tkRTC0Capture0
	tkRTC0Capture1
	tkRTC0Capture2

	tkTimer0Start
	tkTimer0Stop
	tkTimer0Clear
	tkTimer0Capture0
	tkTimer0Capture1
	tkTimer0Capture2
	tkTimer0Capture3

	tkCCMKSGen
	tkCCMCrypt

	tkAARStart
	tkAARStop
)
