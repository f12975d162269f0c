package phy

import (
	"encoding/gob"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// frameKind tags every message crossing a FIFOConn so the single gob
// stream can carry the whole p2G4 request/response/callback vocabulary
// without a separate pipe per message type.
type frameKind byte

const (
	frameTxReq frameKind = iota
	frameTxResp
	frameRxReq
	frameRxAddressFound
	frameRxResp
	frameCCAReq
	frameCCAResp
	frameTxAbortRecheck
	frameTxAbortReply
	frameRxAbortRecheck
	frameRxAbortReply
	frameWait
	frameDisconnect
)

type frame struct {
	Kind    frameKind
	Tx      TxRequest
	TxResp  TxResponse
	Rx      RxRequest
	RxAddr  RxAddressFound
	RxResp  RxResponse
	CCA     CCARequest
	CCAResp CCAResponse
	Abort   AbortReply
	Until   Time
}

// FIFOConn is the real p2G4 transport: two named pipes, opened with
// golang.org/x/sys/unix the way the teacher's TapDevice opens /dev/net/tun,
// carrying gob-encoded frames in each direction. One process creates both
// FIFOs before either side opens them, matching how BabbleSim's Phy and
// device processes rendezvous.
type FIFOConn struct {
	toPhyPath, fromPhyPath string
	toPhyFd, fromPhyFd     int
	enc                    *gob.Encoder
	dec                    *gob.Decoder
}

// DialFIFO creates (if absent) and opens the pair of named pipes at
// toPhyPath/fromPhyPath. toPhyPath carries device->Phy requests,
// fromPhyPath carries Phy->device responses and abort callbacks.
func DialFIFO(toPhyPath, fromPhyPath string) (*FIFOConn, error) {
	for _, p := range []string{toPhyPath, fromPhyPath} {
		if err := unix.Mkfifo(p, 0o600); err != nil && err != unix.EEXIST {
			return nil, fmt.Errorf("phy: mkfifo %s: %w", p, err)
		}
	}

	toFd, err := unix.Open(toPhyPath, unix.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("phy: open %s for write: %w", toPhyPath, err)
	}
	fromFd, err := unix.Open(fromPhyPath, unix.O_RDONLY, 0)
	if err != nil {
		unix.Close(toFd)
		return nil, fmt.Errorf("phy: open %s for read: %w", fromPhyPath, err)
	}

	toFile := os.NewFile(uintptr(toFd), toPhyPath)
	fromFile := os.NewFile(uintptr(fromFd), fromPhyPath)

	return &FIFOConn{
		toPhyPath:   toPhyPath,
		fromPhyPath: fromPhyPath,
		toPhyFd:     toFd,
		fromPhyFd:   fromFd,
		enc:         gob.NewEncoder(toFile),
		dec:         gob.NewDecoder(fromFile),
	}, nil
}

func (c *FIFOConn) roundTrip(req frame) (frame, error) {
	if err := c.enc.Encode(req); err != nil {
		return frame{}, fmt.Errorf("phy: encode %s request: %w", c.toPhyPath, err)
	}
	var resp frame
	if err := c.dec.Decode(&resp); err != nil {
		return frame{}, fmt.Errorf("phy: decode %s response: %w", c.fromPhyPath, err)
	}
	return resp, nil
}

func (c *FIFOConn) ReqTxV2(req TxRequest) (TxResponse, error) {
	resp, err := c.roundTrip(frame{Kind: frameTxReq, Tx: req})
	if err != nil {
		return TxResponse{}, err
	}
	return resp.TxResp, nil
}

func (c *FIFOConn) ReqRxV2(req RxRequest, onAddressFound func(RxAddressFound)) (RxResponse, error) {
	if err := c.enc.Encode(frame{Kind: frameRxReq, Rx: req}); err != nil {
		return RxResponse{}, fmt.Errorf("phy: encode rxv2 request: %w", err)
	}
	for {
		var resp frame
		if err := c.dec.Decode(&resp); err != nil {
			return RxResponse{}, fmt.Errorf("phy: decode rxv2 response: %w", err)
		}
		switch resp.Kind {
		case frameRxAddressFound:
			if onAddressFound != nil {
				onAddressFound(resp.RxAddr)
			}
		case frameRxResp:
			return resp.RxResp, nil
		default:
			return RxResponse{}, fmt.Errorf("phy: unexpected frame kind %d during rxv2", resp.Kind)
		}
	}
}

func (c *FIFOConn) ReqCCA(req CCARequest) (CCAResponse, error) {
	resp, err := c.roundTrip(frame{Kind: frameCCAReq, CCA: req})
	if err != nil {
		return CCAResponse{}, err
	}
	return resp.CCAResp, nil
}

// ProvideTxAbort answers a pending Tx abort-reevaluation callback and
// blocks for the Phy's reply, which is either a final frameTxResp or a
// frameTxAbortRecheck asking to be called again later (spec.md §4.1's
// repeating abort-reevaluation handshake; NHW_RADIO.c's
// nrfra_set_Timer_abort_reeval is the upstream analogue).
func (c *FIFOConn) ProvideTxAbort(reply AbortReply) (TxResponse, error) {
	if err := c.enc.Encode(frame{Kind: frameTxAbortReply, Abort: reply}); err != nil {
		return TxResponse{}, fmt.Errorf("phy: encode tx abort reply: %w", err)
	}
	var resp frame
	if err := c.dec.Decode(&resp); err != nil {
		return TxResponse{}, fmt.Errorf("phy: decode tx abort response: %w", err)
	}
	switch resp.Kind {
	case frameTxAbortRecheck:
		resp.TxResp.AbortReeval = true
		return resp.TxResp, nil
	case frameTxResp:
		return resp.TxResp, nil
	default:
		return TxResponse{}, fmt.Errorf("phy: unexpected frame kind %d during tx abort", resp.Kind)
	}
}

// ProvideRxAbort mirrors ProvideTxAbort for an in-flight reception.
func (c *FIFOConn) ProvideRxAbort(reply AbortReply) (RxResponse, error) {
	if err := c.enc.Encode(frame{Kind: frameRxAbortReply, Abort: reply}); err != nil {
		return RxResponse{}, fmt.Errorf("phy: encode rx abort reply: %w", err)
	}
	var resp frame
	if err := c.dec.Decode(&resp); err != nil {
		return RxResponse{}, fmt.Errorf("phy: decode rx abort response: %w", err)
	}
	switch resp.Kind {
	case frameRxAbortRecheck:
		resp.RxResp.AbortReeval = true
		return resp.RxResp, nil
	case frameRxResp:
		return resp.RxResp, nil
	default:
		return RxResponse{}, fmt.Errorf("phy: unexpected frame kind %d during rx abort", resp.Kind)
	}
}

func (c *FIFOConn) Wait(until Time) error {
	_, err := c.roundTrip(frame{Kind: frameWait, Until: until})
	return err
}

func (c *FIFOConn) Disconnect() error {
	if err := c.enc.Encode(frame{Kind: frameDisconnect}); err != nil {
		return fmt.Errorf("phy: encode disconnect: %w", err)
	}
	unix.Close(c.toPhyFd)
	unix.Close(c.fromPhyFd)
	return nil
}

var _ Conn = (*FIFOConn)(nil)
