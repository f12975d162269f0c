package phy_test

import (
	"testing"
	"time"

	"nrfhw/phy"
)

func TestPhyTimeFromDevRoundTrips(t *testing.T) {
	devNow := 1500 * time.Microsecond
	offset := 200 * time.Microsecond
	drift := 0.0001

	p := phy.PhyTimeFromDev(devNow, offset, drift)
	back := phy.DevTimeFromPhy(p, offset, drift)

	diff := back - devNow
	if diff < 0 {
		diff = -diff
	}
	if diff > time.Microsecond {
		t.Fatalf("round trip drifted by %v, want < 1us", diff)
	}
}

func TestPhyTimeFromDevNoOffsetNoDrift(t *testing.T) {
	got := phy.PhyTimeFromDev(10*time.Microsecond, 0, 0)
	if got != 10 {
		t.Fatalf("PhyTimeFromDev = %d, want 10", got)
	}
}

func TestMockConnRecordsRequestsAndReturnsCannedResponses(t *testing.T) {
	m := &phy.MockConn{
		TxResponses: []phy.TxResponse{{EndTime: 42}},
	}
	resp, err := m.ReqTxV2(phy.TxRequest{StartTime: 10, PacketSize: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.EndTime != 42 {
		t.Fatalf("EndTime = %d, want 42", resp.EndTime)
	}
	if len(m.TxRequests) != 1 || m.TxRequests[0].StartTime != 10 {
		t.Fatalf("request not recorded: %+v", m.TxRequests)
	}
}

func TestMockConnRxAddressFoundCallback(t *testing.T) {
	m := &phy.MockConn{
		RxAddressFunc: func(req phy.RxRequest) *phy.RxAddressFound {
			return &phy.RxAddressFound{PhyAddress: 1, EndTime: 100}
		},
		RxResponses: []phy.RxResponse{{EndTime: 100, CRCOk: true}},
	}
	var gotAddr phy.RxAddressFound
	resp, err := m.ReqRxV2(phy.RxRequest{StartTime: 0}, func(af phy.RxAddressFound) {
		gotAddr = af
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAddr.PhyAddress != 1 {
		t.Fatalf("address-found callback not invoked correctly: %+v", gotAddr)
	}
	if !resp.CRCOk {
		t.Fatalf("expected CRCOk response")
	}
}
