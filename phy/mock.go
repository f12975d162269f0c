package phy

// MockConn is a deterministic in-process fake Phy for devices.Radio's unit
// tests and the package-level integration scenarios: instead of talking to
// an external process over FIFOs, the test installs canned responses (or
// response functions, for scenarios where the reply must depend on the
// request) and asserts on what got requested.
type MockConn struct {
	TxResponses []TxResponse
	TxFunc      func(TxRequest) (TxResponse, error)
	TxRequests  []TxRequest

	RxResponses   []RxResponse
	RxAddressFunc func(RxRequest) *RxAddressFound
	RxFunc        func(RxRequest) (RxResponse, error)
	RxRequests    []RxRequest

	CCAResponses []CCAResponse
	CCARequests  []CCARequest

	TxAborts []AbortReply
	RxAborts []AbortReply
	// TxAbortFunc/RxAbortFunc let a test synthesize a repeating
	// abort-reevaluation handshake: return AbortReeval=true with a
	// RecheckAt to have devices.Radio schedule another call, or
	// AbortReeval=false to finalize the abort.
	TxAbortFunc func(AbortReply) (TxResponse, error)
	RxAbortFunc func(AbortReply) (RxResponse, error)

	Waited       []Time
	Disconnected bool
}

func (m *MockConn) ReqTxV2(req TxRequest) (TxResponse, error) {
	m.TxRequests = append(m.TxRequests, req)
	if m.TxFunc != nil {
		return m.TxFunc(req)
	}
	if len(m.TxResponses) == 0 {
		return TxResponse{}, nil
	}
	resp := m.TxResponses[0]
	m.TxResponses = m.TxResponses[1:]
	return resp, nil
}

func (m *MockConn) ReqRxV2(req RxRequest, onAddressFound func(RxAddressFound)) (RxResponse, error) {
	m.RxRequests = append(m.RxRequests, req)
	if m.RxAddressFunc != nil {
		if af := m.RxAddressFunc(req); af != nil && onAddressFound != nil {
			onAddressFound(*af)
		}
	}
	if m.RxFunc != nil {
		return m.RxFunc(req)
	}
	if len(m.RxResponses) == 0 {
		return RxResponse{}, nil
	}
	resp := m.RxResponses[0]
	m.RxResponses = m.RxResponses[1:]
	return resp, nil
}

func (m *MockConn) ReqCCA(req CCARequest) (CCAResponse, error) {
	m.CCARequests = append(m.CCARequests, req)
	if len(m.CCAResponses) == 0 {
		return CCAResponse{}, nil
	}
	resp := m.CCAResponses[0]
	m.CCAResponses = m.CCAResponses[1:]
	return resp, nil
}

func (m *MockConn) ProvideTxAbort(reply AbortReply) (TxResponse, error) {
	m.TxAborts = append(m.TxAborts, reply)
	if m.TxAbortFunc != nil {
		return m.TxAbortFunc(reply)
	}
	return TxResponse{}, nil
}

func (m *MockConn) ProvideRxAbort(reply AbortReply) (RxResponse, error) {
	m.RxAborts = append(m.RxAborts, reply)
	if m.RxAbortFunc != nil {
		return m.RxAbortFunc(reply)
	}
	return RxResponse{}, nil
}

func (m *MockConn) Wait(until Time) error {
	m.Waited = append(m.Waited, until)
	return nil
}

func (m *MockConn) Disconnect() error {
	m.Disconnected = true
	return nil
}

var _ Conn = (*MockConn)(nil)
