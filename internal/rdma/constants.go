package rdma

// Constants
const (
	// Hardware queue geometry
	EQEntrySize   = 64                       // Size of one egress queue entry in bytes
	SQNumSlots    = 5                        // EQ entries reserved per send WR
	RQNumSlots    = 2                        // EQ entries reserved per receive WR
	SQNumBytes    = EQEntrySize * SQNumSlots // Maximum size of one send WQE
	RQNumBytes    = EQEntrySize * RQNumSlots // Maximum size of one receive WQE
	unitSize      = 16                       // Ring index granularity in bytes
	onChipAlign16 = EQEntrySize / unitSize   // len16 alignment for on-chip queues

	// Descriptor layout sizes
	wrHdrSize   = 8  // opcode, flags, slot tag, reserved, len16
	sendWRSize  = 32 // fw_ri_send_wr without payload
	writeWRSize = 32 // fw_ri_rdma_write_wr without payload
	readWRSize  = 48 // fw_ri_rdma_read_wr
	recvWRSize  = 16 // fw_ri_recv_wr including the isgl header
	immdHdrSize = 8
	isglHdrSize = 8
	sgeSize     = 16

	// Request limits
	MaxSendSGE     = (SQNumBytes - sendWRSize - isglHdrSize) / sgeSize // 17
	MaxRecvSGE     = 4
	MaxReadSGE     = 1
	MaxSendInline  = SQNumBytes - sendWRSize - immdHdrSize  // 280
	MaxWriteInline = SQNumBytes - writeWRSize - immdHdrSize // 280

	// Zero-length reads carry this reserved STag on both sides.
	ReservedReadSTag uint32 = 2
)

// Firmware work request opcodes.
const (
	fwRIRdmaWriteWR uint8 = 0x14
	fwRISendWR      uint8 = 0x15
	fwRIRdmaReadWR  uint8 = 0x16
	fwRIRecvWR      uint8 = 0x17
)

// Payload tags.
const (
	fwRIDataImmd uint8 = 0x81
	fwRIDataDSGL uint8 = 0x82
	fwRIDataISGL uint8 = 0x83
)

// HWFlags are the firmware flag bits carried in every WQE header.
type HWFlags uint8

const (
	HWFlagCompletion     HWFlags = 0x01
	HWFlagNotification   HWFlags = 0x02
	HWFlagSolicitedEvent HWFlags = 0x04
	HWFlagReadFence      HWFlags = 0x08
	HWFlagLocalFence     HWFlags = 0x10
)

// FWOpcode is the RI operation recorded in the send shadow queue and in CQEs.
type FWOpcode uint8

const (
	FWRdmaWrite      FWOpcode = 0
	FWReadReq        FWOpcode = 1
	FWReadResp       FWOpcode = 2
	FWSend           FWOpcode = 3
	FWSendWithInv    FWOpcode = 4
	FWSendWithSE     FWOpcode = 5
	FWSendWithSEInv  FWOpcode = 6
	FWReceive        FWOpcode = 0x10 // not a firmware value; tags receive completions
)

// String returns a printable name for the opcode
func (o FWOpcode) String() string {
	switch o {
	case FWRdmaWrite:
		return "RDMA_WRITE"
	case FWReadReq:
		return "READ_REQ"
	case FWReadResp:
		return "READ_RESP"
	case FWSend:
		return "SEND"
	case FWSendWithInv:
		return "SEND_WITH_INV"
	case FWSendWithSE:
		return "SEND_WITH_SE"
	case FWSendWithSEInv:
		return "SEND_WITH_SE_INV"
	case FWReceive:
		return "RECV"
	default:
		return "UNKNOWN"
	}
}

// Generation identifies the adapter family. It changes only doorbell
// formatting.
type Generation int

const (
	GenerationT4 Generation = iota
	GenerationT5
)

// String returns the generation name
func (g Generation) String() string {
	if g == GenerationT5 {
		return "t5"
	}
	return "t4"
}

// ParseGeneration parses "t4" or "t5".
func ParseGeneration(s string) (Generation, bool) {
	switch s {
	case "t4", "T4":
		return GenerationT4, true
	case "t5", "T5":
		return GenerationT5, true
	}
	return GenerationT4, false
}
