package wire

// ConnectionType mirrors the address family chosen for the QUIC hop
// (spec §3 Address Family Choice).
type ConnectionType byte

const (
	ConnectionIPv4 ConnectionType = 0
	ConnectionIPv6 ConnectionType = 1
)

// ClientMessage is the first message sent by the client over the SSH
// stdio control channel.
type ClientMessage struct {
	ClientCertDER  []byte
	ConnectionType ConnectionType
}

func (m *ClientMessage) Encode() []byte {
	e := &encoder{}
	e.byte(byte(m.ConnectionType))
	e.bytes32(m.ClientCertDER)
	return e.buf
}

func DecodeClientMessage(buf []byte) (*ClientMessage, error) {
	d := newDecoder(buf)
	ct, err := d.byte()
	if err != nil {
		return nil, wrapDecodeErr("ClientMessage.ConnectionType", err)
	}
	cert, err := d.bytes32()
	if err != nil {
		return nil, wrapDecodeErr("ClientMessage.ClientCertDER", err)
	}
	return &ClientMessage{ClientCertDER: append([]byte(nil), cert...), ConnectionType: ConnectionType(ct)}, nil
}

// ServerMessage is the server's reply, sent only after it has bound its
// UDP socket (spec §4.2 ordering invariant).
type ServerMessage struct {
	Port          uint16
	ServerCertDER []byte
	ServerCertCN  string
	Warning       string // empty means none
	BandwidthInfo string // empty means none
}

func (m *ServerMessage) Encode() []byte {
	e := &encoder{}
	e.uint16(m.Port)
	e.bytes32(m.ServerCertDER)
	e.string16(m.ServerCertCN)
	e.string16(m.Warning)
	e.string16(m.BandwidthInfo)
	return e.buf
}

func DecodeServerMessage(buf []byte) (*ServerMessage, error) {
	d := newDecoder(buf)
	port, err := d.uint16()
	if err != nil {
		return nil, wrapDecodeErr("ServerMessage.Port", err)
	}
	cert, err := d.bytes32()
	if err != nil {
		return nil, wrapDecodeErr("ServerMessage.ServerCertDER", err)
	}
	cn, err := d.string16()
	if err != nil {
		return nil, wrapDecodeErr("ServerMessage.ServerCertCN", err)
	}
	m := &ServerMessage{Port: port, ServerCertDER: append([]byte(nil), cert...), ServerCertCN: cn}
	// Warning and BandwidthInfo were added after the first cut; tolerate
	// peers that stop here.
	if d.remaining() > 0 {
		w, err := d.string16()
		if err != nil {
			return nil, wrapDecodeErr("ServerMessage.Warning", err)
		}
		m.Warning = w
	}
	if d.remaining() > 0 {
		bw, err := d.string16()
		if err != nil {
			return nil, wrapDecodeErr("ServerMessage.BandwidthInfo", err)
		}
		m.BandwidthInfo = bw
	}
	return m, nil
}

// ClosedownReport carries the server's cumulative QUIC endpoint counters
// at session end (spec §4.7).
type ClosedownReport struct {
	FinalCongestionWindow uint64
	SentPackets           uint64
	LostPackets           uint64
	LostBytes             uint64
	CongestionEvents      uint64
	BlackHoleDetections   uint64
	SentBytes             uint64
}

func (r *ClosedownReport) Encode() []byte {
	e := &encoder{}
	e.uint64(r.FinalCongestionWindow)
	e.uint64(r.SentPackets)
	e.uint64(r.LostPackets)
	e.uint64(r.LostBytes)
	e.uint64(r.CongestionEvents)
	e.uint64(r.BlackHoleDetections)
	e.uint64(r.SentBytes)
	return e.buf
}

func DecodeClosedownReport(buf []byte) (*ClosedownReport, error) {
	d := newDecoder(buf)
	var r ClosedownReport
	var err error
	if r.FinalCongestionWindow, err = d.uint64(); err != nil {
		return nil, wrapDecodeErr("ClosedownReport.FinalCongestionWindow", err)
	}
	if r.SentPackets, err = d.uint64(); err != nil {
		return nil, wrapDecodeErr("ClosedownReport.SentPackets", err)
	}
	if r.LostPackets, err = d.uint64(); err != nil {
		return nil, wrapDecodeErr("ClosedownReport.LostPackets", err)
	}
	if r.LostBytes, err = d.uint64(); err != nil {
		return nil, wrapDecodeErr("ClosedownReport.LostBytes", err)
	}
	if r.CongestionEvents, err = d.uint64(); err != nil {
		return nil, wrapDecodeErr("ClosedownReport.CongestionEvents", err)
	}
	if r.BlackHoleDetections, err = d.uint64(); err != nil {
		return nil, wrapDecodeErr("ClosedownReport.BlackHoleDetections", err)
	}
	if r.SentBytes, err = d.uint64(); err != nil {
		return nil, wrapDecodeErr("ClosedownReport.SentBytes", err)
	}
	return &r, nil
}
