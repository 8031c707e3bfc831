package rdma

// WROpcode is the application-level send work request opcode
type WROpcode int

const (
	WRSend WROpcode = iota
	WRSendWithSE
	WRRdmaWrite
	WRRdmaRead
)

// String returns a printable name for the opcode
func (o WROpcode) String() string {
	switch o {
	case WRSend:
		return "SEND"
	case WRSendWithSE:
		return "SEND_WITH_SE"
	case WRRdmaWrite:
		return "RDMA_WRITE"
	case WRRdmaRead:
		return "RDMA_READ"
	default:
		return "UNKNOWN"
	}
}

// SendFlags are the caller-visible send flags
type SendFlags uint32

const (
	SendFence SendFlags = 1 << iota
	SendSignaled
	SendSolicited
	SendInline
)

// SGE is one scatter/gather entry. Buf backs the entry when the request is
// posted inline; it must hold at least Length bytes.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
	Buf    []byte
}

// SendWR is a send queue work request
type SendWR struct {
	WRID       uint64
	Opcode     WROpcode
	Flags      SendFlags
	SGList     []SGE
	RemoteAddr uint64 // RDMA write sink / RDMA read source
	RKey       uint32
}

// RecvWR is a receive queue work request
type RecvWR struct {
	WRID   uint64
	SGList []SGE
}

// sgeLength sums the entry lengths for logging; overflow is not checked here.
func sgeLength(sgl []SGE) uint64 {
	var n uint64
	for i := range sgl {
		n += uint64(sgl[i].Length)
	}
	return n
}
