// Package phy implements the client half of the p2G4 wire protocol that
// nrfhw's devices.Radio speaks to an external physical-layer simulator
// process (spec.md §6): request/response exchanges for a transmission,
// a two-phase reception (address-found, then end), a clear-channel
// assessment, and the abort-reevaluation handshake that lets the radio
// change its mind about an in-flight Tx/Rx before the Phy commits it.
//
// Grounded on the original_source/ ext_NRF52_hw_models' p2G4_txv2_t/
// p2G4_rxv2_t/p2G4_cca_t request shapes used throughout NHW_RADIO.c (the
// upstream headers that define those types are not part of this
// retrieval pack; the field set here is reconstructed from how
// NHW_RADIO.c populates and reads them).
package phy

import "time"

// Time is phy-microseconds, the wire's time unit. PhyTimeFromDev/
// DevTimeFromPhy convert between this and the device-local virtual clock
// (spec.md §6: "a linear device-local clock drift is applied on each
// crossing"); devices.Radio does not call them and passes its scheduler
// time across unconverted.
type Time int64

// AbortParams carries the abort-reevaluation recheck time a request
// travels with. The Phy calls back at RecheckAt (if nonzero) asking
// whether the caller still wants to proceed; ProvideTxAbort/
// ProvideRxAbort answer that callback.
type AbortParams struct {
	RecheckAt Time
}

// TxRequest describes one transmission, corresponding to p2G4_txv2_t.
type TxRequest struct {
	StartTime  Time
	CenterFreq uint32 // Hz, absolute RF frequency
	Power      int32  // dBm, fixed-point per the referenced protocol
	PacketSize uint32
	Modulation uint32 // maps 1:1 onto RADIO MODE
	PhyAddress uint32
	Abort      AbortParams

	// CodingIndicator and FEC1 describe a BLE5 CodedPhy transmission's
	// first segment (coarse packet-level modelling only, spec.md §1
	// Non-goals excludes bit-level Viterbi decoding): CodingIndicator is
	// the CI bit carried in FEC1 (0 = S=8 FEC2, 1 = S=2 FEC2), FEC1 marks
	// that this request describes the fixed-rate FEC1 segment rather
	// than a single-segment uncoded Phy transmission.
	CodingIndicator uint8
	FEC1            bool
}

// TxResponse is the Phy's reply to a TxRequest.
type TxResponse struct {
	EndTime Time

	// AbortReeval and RecheckAt answer a ProvideTxAbort call: when the
	// Phy cannot yet honour an abort request (the in-flight transmission
	// already has irrevocable on-air effects up to some point), it sets
	// AbortReeval and asks to be asked again no earlier than RecheckAt
	// (spec.md §4.1's abort-reevaluation handshake).
	AbortReeval bool
	RecheckAt   Time
}

// RxRequest describes one reception attempt, corresponding to
// p2G4_rxv2_t. For CodedPhy, devices.Radio issues it once, with FEC1 set
// and CodingRate=8; no separate FEC2/payload request (coding_rate=2) is
// sent, so NHW_RADIO.c's rx_req_fec1/rx_req pair is not reproduced.
type RxRequest struct {
	StartTime          Time
	CenterFreq         uint32
	Modulation         uint32
	SyncThreshold      int32
	HeaderThreshold    int32
	PreambleAndAddrDur uint32
	ScanDuration       uint32
	CodingRate         uint32
	NAddr              uint32
	AntennaGain        int32
	PrelockedTx        bool
	Abort              AbortParams

	// FEC1 requests only the fixed-rate FEC1 segment of a CodedPhy
	// reception, matching NHW_RADIO.c's rx_req_fec1/rx_req pair (coarse
	// packet-level modelling, see TxRequest.FEC1).
	FEC1 bool
}

// RxAddressFound is the first-phase response to a two-phase Rx: the Phy
// found a matching access address and reports when reception is expected
// to conclude, ahead of the actual end-of-packet response.
type RxAddressFound struct {
	PhyAddress uint32
	EndTime    Time
}

// RxResponse is the second-phase (final) reply to a RxRequest.
type RxResponse struct {
	EndTime    Time
	PacketSize uint32
	RSSI       int32
	CRCOk      bool

	// PacketBytes is the raw over-the-air S0/LEN/S1/payload octet
	// sequence the Phy delivered, in the order devices.Radio must copy
	// them into the device buffer (spec.md §4.1's Rx path). CIBit is the
	// CodedPhy coding-indicator the Phy decoded from FEC1 (meaningless
	// when the request wasn't a CodedPhy reception); CodingError marks a
	// CI/FEC1 decode failure distinct from an ordinary CRC failure.
	PacketBytes []byte
	CIBit       uint8
	CodingError bool

	// AbortReeval and RecheckAt mirror TxResponse's fields for
	// ProvideRxAbort.
	AbortReeval bool
	RecheckAt   Time
}

// CCARequest describes a clear-channel-assessment/energy-detect scan,
// corresponding to p2G4_cca_t.
type CCARequest struct {
	StartTime        Time
	ScanDuration     uint32
	CCAMode          uint32
	CarrierThreshold int32
	EDThreshold      int32
	// StopWhenFound requests the Phy end the scan as soon as its CCAMode
	// condition is satisfied rather than always running ScanDuration to
	// completion (CCACTRL.CCAMODE's carrier-based modes per spec.md
	// §4.1's "CCA / ED").
	StopWhenFound bool
	Abort         AbortParams
}

// CCAResponse is the Phy's reply to a CCARequest.
type CCAResponse struct {
	EndTime Time
	Busy    bool
	RSSI    int32
}

// AbortReply answers a Phy abort-reevaluation callback: Abort=true tells
// the Phy to terminate the in-flight Tx/Rx at Now instead of letting it
// run to its previously requested end time.
type AbortReply struct {
	Abort bool
	Now   Time
}

// Conn is the client side of the p2G4 protocol. A real simulator talks to
// an external Phy process over FIFOConn; tests substitute MockConn.
type Conn interface {
	// ReqTxV2 sends a transmission request and blocks for the response.
	ReqTxV2(req TxRequest) (TxResponse, error)
	// ReqRxV2 sends a reception request. onAddressFound, if non-nil, is
	// invoked with the first-phase response before ReqRxV2 blocks for the
	// final RxResponse. devices.Radio passes a no-op here: it raises
	// EVENTS_ADDRESS from its own phase timer and does not raise
	// EVENTS_FRAMESTART.
	ReqRxV2(req RxRequest, onAddressFound func(RxAddressFound)) (RxResponse, error)
	// ReqCCA sends a CCA/ED scan request and blocks for the response.
	ReqCCA(req CCARequest) (CCAResponse, error)
	// ProvideTxAbort answers a pending Tx abort-reevaluation callback.
	// The returned TxResponse's AbortReeval/RecheckAt fields tell the
	// caller whether the Phy needs to be asked again later before it
	// will honour the abort (spec.md §4.1's repeating abort-reevaluation
	// handshake).
	ProvideTxAbort(reply AbortReply) (TxResponse, error)
	// ProvideRxAbort answers a pending Rx abort-reevaluation callback,
	// mirroring ProvideTxAbort.
	ProvideRxAbort(reply AbortReply) (RxResponse, error)
	// Wait blocks the caller until the Phy's global time reaches at
	// least until, without an active Tx/Rx/CCA request in flight.
	Wait(until Time) error
	// Disconnect cleanly ends the session.
	Disconnect() error
}

// PhyTimeFromDev converts a device-local virtual clock reading to
// phy-microseconds, applying the configured start offset and fractional
// crystal drift (spec.md §6).
func PhyTimeFromDev(devNow time.Duration, startOffset time.Duration, xoDrift float64) Time {
	adjusted := float64(devNow) * (1 + xoDrift)
	return Time((adjusted + float64(startOffset)) / float64(time.Microsecond))
}

// DevTimeFromPhy is the inverse of PhyTimeFromDev.
func DevTimeFromPhy(phyNow Time, startOffset time.Duration, xoDrift float64) time.Duration {
	us := float64(phyNow)*float64(time.Microsecond) - float64(startOffset)
	return time.Duration(us / (1 + xoDrift))
}
