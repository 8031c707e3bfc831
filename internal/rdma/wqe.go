package rdma

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var errMalformedWQE = errors.New("malformed work queue entry")

var be = binary.BigEndian

// wqeBuffer is the local descriptor a request is built in before it is
// copied to the ring. It is large enough for any send or receive WQE.
type wqeBuffer [SQNumBytes]byte

func divRoundUp(n, d int) int {
	return (n + d - 1) / d
}

func roundUp(n, d uint32) uint32 {
	return (n + d - 1) / d * d
}

// initWRHdr writes the common 8-byte header. slot is the producer slot the
// request occupies; the hardware returns it in the CQE.
func initWRHdr(wqe []byte, slot uint16, opcode uint8, flags HWFlags, len16 uint8) {
	wqe[0] = opcode
	wqe[1] = uint8(flags)
	be.PutUint16(wqe[2:4], slot)
	wqe[4], wqe[5], wqe[6] = 0, 0, 0
	wqe[7] = len16
}

// buildImmd copies the SGE payloads into an immediate body starting at dst
// and zero pads it so that header plus payload ends on a 16-byte boundary.
func buildImmd(dst []byte, sgl []SGE, max uint32) (uint32, error) {
	var plen uint32
	data := dst[immdHdrSize:]
	for i := range sgl {
		sge := &sgl[i]
		if uint64(plen)+uint64(sge.Length) > uint64(max) {
			return 0, fmt.Errorf("%w: inline payload exceeds %d bytes", ErrSizeExceeded, max)
		}
		if uint64(len(sge.Buf)) < uint64(sge.Length) {
			return 0, fmt.Errorf("%w: sge %d buffer holds %d of %d bytes", ErrInvalidRequest, i, len(sge.Buf), sge.Length)
		}
		copy(data[plen:], sge.Buf[:sge.Length])
		plen += sge.Length
	}
	pad := roundUp(plen+immdHdrSize, unitSize) - (plen + immdHdrSize)
	clear(data[plen : plen+pad])

	dst[0] = fwRIDataImmd
	dst[1] = 0
	be.PutUint16(dst[2:4], 0)
	be.PutUint32(dst[4:8], plen)
	return plen, nil
}

// writeEmptyImmd writes a zero-length immediate body.
func writeEmptyImmd(dst []byte) {
	dst[0] = fwRIDataImmd
	dst[1] = 0
	be.PutUint16(dst[2:4], 0)
	be.PutUint32(dst[4:8], 0)
}

// buildISGL writes an inline scatter/gather list starting at dst. Each entry
// is two big-endian flits: lkey<<32|length and the address. A zero flit
// terminates the list when the buffer has room for it.
func buildISGL(dst []byte, sgl []SGE) (uint32, error) {
	var plen uint32
	flit := dst[isglHdrSize:]
	for i := range sgl {
		sge := &sgl[i]
		if plen+sge.Length < plen {
			return 0, fmt.Errorf("%w: sge lengths overflow 32 bits", ErrSizeExceeded)
		}
		plen += sge.Length
		be.PutUint64(flit[0:8], uint64(sge.LKey)<<32|uint64(sge.Length))
		be.PutUint64(flit[8:16], sge.Addr)
		flit = flit[sgeSize:]
	}
	if len(flit) >= 8 {
		be.PutUint64(flit[0:8], 0)
	}
	dst[0] = fwRIDataISGL
	dst[1] = 0
	be.PutUint16(dst[2:4], uint16(len(sgl)))
	be.PutUint32(dst[4:8], 0)
	return plen, nil
}

// buildPayload encodes the data source shared by SEND and RDMA_WRITE and
// returns the payload length and the total descriptor size in bytes.
func buildPayload(wqe []byte, hdrSize int, wr *SendWR, maxInline uint32) (uint32, int, error) {
	u := wqe[hdrSize:]
	if len(wr.SGList) == 0 {
		writeEmptyImmd(u)
		return 0, hdrSize + immdHdrSize, nil
	}
	if wr.Flags&SendInline != 0 {
		plen, err := buildImmd(u, wr.SGList, maxInline)
		if err != nil {
			return 0, 0, err
		}
		return plen, hdrSize + immdHdrSize + int(plen), nil
	}
	plen, err := buildISGL(u, wr.SGList)
	if err != nil {
		return 0, 0, err
	}
	return plen, hdrSize + isglHdrSize + len(wr.SGList)*sgeSize, nil
}

func buildRdmaSend(wqe []byte, wr *SendWR) (uint8, FWOpcode, error) {
	if len(wr.SGList) > MaxSendSGE {
		return 0, 0, fmt.Errorf("%w: %d sges, max %d", ErrSizeExceeded, len(wr.SGList), MaxSendSGE)
	}
	sendop := FWSend
	if wr.Opcode == WRSendWithSE || wr.Flags&SendSolicited != 0 {
		sendop = FWSendWithSE
	}
	be.PutUint32(wqe[8:12], uint32(sendop))
	be.PutUint32(wqe[12:16], 0) // stag_inv
	be.PutUint32(wqe[20:24], 0)
	be.PutUint64(wqe[24:32], 0)

	plen, size, err := buildPayload(wqe, sendWRSize, wr, MaxSendInline)
	if err != nil {
		return 0, 0, err
	}
	be.PutUint32(wqe[16:20], plen)
	return uint8(divRoundUp(size, unitSize)), sendop, nil
}

func buildRdmaWrite(wqe []byte, wr *SendWR) (uint8, error) {
	if len(wr.SGList) > MaxSendSGE {
		return 0, fmt.Errorf("%w: %d sges, max %d", ErrSizeExceeded, len(wr.SGList), MaxSendSGE)
	}
	be.PutUint64(wqe[8:16], 0)
	be.PutUint32(wqe[20:24], wr.RKey)
	be.PutUint64(wqe[24:32], wr.RemoteAddr)

	plen, size, err := buildPayload(wqe, writeWRSize, wr, MaxWriteInline)
	if err != nil {
		return 0, err
	}
	be.PutUint32(wqe[16:20], plen)
	return uint8(divRoundUp(size, unitSize)), nil
}

func buildRdmaRead(wqe []byte, wr *SendWR) (uint8, error) {
	if len(wr.SGList) > MaxReadSGE {
		return 0, fmt.Errorf("%w: %d sges, max %d", ErrSizeExceeded, len(wr.SGList), MaxReadSGE)
	}
	be.PutUint64(wqe[8:16], 0)
	if len(wr.SGList) > 0 {
		sge := &wr.SGList[0]
		be.PutUint32(wqe[32:36], wr.RKey)
		be.PutUint32(wqe[36:40], uint32(wr.RemoteAddr>>32))
		be.PutUint32(wqe[40:44], uint32(wr.RemoteAddr))
		be.PutUint32(wqe[16:20], sge.LKey)
		be.PutUint32(wqe[28:32], sge.Length)
		be.PutUint32(wqe[20:24], uint32(sge.Addr>>32))
		be.PutUint32(wqe[24:28], uint32(sge.Addr))
	} else {
		be.PutUint32(wqe[32:36], ReservedReadSTag)
		be.PutUint32(wqe[36:40], 0)
		be.PutUint32(wqe[40:44], 0)
		be.PutUint32(wqe[16:20], ReservedReadSTag)
		be.PutUint32(wqe[28:32], 0)
		be.PutUint32(wqe[20:24], 0)
		be.PutUint32(wqe[24:28], 0)
	}
	be.PutUint32(wqe[44:48], 0)
	return uint8(divRoundUp(readWRSize, unitSize)), nil
}

func buildRdmaRecv(wqe []byte, wr *RecvWR) (uint8, error) {
	if _, err := buildISGL(wqe[wrHdrSize:], wr.SGList); err != nil {
		return 0, err
	}
	return uint8(divRoundUp(recvWRSize+len(wr.SGList)*sgeSize, unitSize)), nil
}

// sendEncoding describes a built send WQE.
type sendEncoding struct {
	len16    uint8
	fwOp     FWOpcode
	flags    HWFlags
	readLen  uint32
	signaled bool
}

// encodeSend builds wr into buf, header included, for producer slot slot.
func encodeSend(buf *wqeBuffer, wr *SendWR, slot uint16, sigAll bool) (sendEncoding, error) {
	var enc sendEncoding
	var opcode uint8
	var err error

	enc.signaled = wr.Flags&SendSignaled != 0 || sigAll
	if wr.Flags&SendSolicited != 0 {
		enc.flags |= HWFlagSolicitedEvent
	}
	if enc.signaled {
		enc.flags |= HWFlagCompletion
	}

	wqe := buf[:]
	switch wr.Opcode {
	case WRSend, WRSendWithSE:
		if wr.Flags&SendFence != 0 {
			enc.flags |= HWFlagReadFence
		}
		if wr.Opcode == WRSendWithSE {
			enc.flags |= HWFlagSolicitedEvent
		}
		opcode = fwRISendWR
		enc.len16, enc.fwOp, err = buildRdmaSend(wqe, wr)
	case WRRdmaWrite:
		opcode = fwRIRdmaWriteWR
		enc.fwOp = FWRdmaWrite
		enc.len16, err = buildRdmaWrite(wqe, wr)
	case WRRdmaRead:
		opcode = fwRIRdmaReadWR
		enc.fwOp = FWReadReq
		enc.flags = 0
		enc.len16, err = buildRdmaRead(wqe, wr)
		if len(wr.SGList) > 0 {
			enc.readLen = wr.SGList[0].Length
		}
	default:
		return enc, fmt.Errorf("%w: opcode %d", ErrInvalidRequest, wr.Opcode)
	}
	if err != nil {
		return enc, err
	}
	initWRHdr(wqe, slot, opcode, enc.flags, enc.len16)
	return enc, nil
}

// encodeRecv builds wr into buf, header included, for producer slot slot.
func encodeRecv(buf *wqeBuffer, wr *RecvWR, slot uint16) (uint8, error) {
	wqe := buf[:RQNumBytes]
	len16, err := buildRdmaRecv(wqe, wr)
	if err != nil {
		return 0, err
	}
	initWRHdr(wqe, slot, fwRIRecvWR, 0, len16)
	return len16, nil
}

// EncodeSend returns the wire image of a send work request, trimmed to its
// len16 units.
func EncodeSend(wr *SendWR, slot uint16, sigAll bool) ([]byte, error) {
	var buf wqeBuffer
	enc, err := encodeSend(&buf, wr, slot, sigAll)
	if err != nil {
		return nil, err
	}
	out := make([]byte, int(enc.len16)*unitSize)
	copy(out, buf[:])
	return out, nil
}

// EncodeRecv returns the wire image of a receive work request, trimmed to
// its len16 units.
func EncodeRecv(wr *RecvWR, slot uint16) ([]byte, error) {
	if len(wr.SGList) > MaxRecvSGE {
		return nil, fmt.Errorf("%w: %d sges, max %d", ErrSizeExceeded, len(wr.SGList), MaxRecvSGE)
	}
	var buf wqeBuffer
	len16, err := encodeRecv(&buf, wr, slot)
	if err != nil {
		return nil, err
	}
	out := make([]byte, int(len16)*unitSize)
	copy(out, buf[:])
	return out, nil
}

// DecodedWQE is the parsed form of a descriptor.
type DecodedWQE struct {
	Opcode     uint8
	Flags      HWFlags
	Slot       uint16
	Len16      uint8
	SendOp     FWOpcode // SEND only
	PayloadLen uint32
	Inline     []byte
	SGList     []SGE
	RemoteAddr uint64
	RKey       uint32
}

// IsSend reports whether the descriptor is a send queue WQE.
func (d *DecodedWQE) IsSend() bool {
	return d.Opcode == fwRISendWR || d.Opcode == fwRIRdmaWriteWR || d.Opcode == fwRIRdmaReadWR
}

// DecodeWQE parses a descriptor produced by the encoder.
func DecodeWQE(b []byte) (*DecodedWQE, error) {
	if len(b) < wrHdrSize {
		return nil, fmt.Errorf("%w: %d bytes", errMalformedWQE, len(b))
	}
	d := &DecodedWQE{
		Opcode: b[0],
		Flags:  HWFlags(b[1]),
		Slot:   be.Uint16(b[2:4]),
		Len16:  b[7],
	}
	if len(b) < int(d.Len16)*unitSize {
		return nil, fmt.Errorf("%w: len16 %d but %d bytes", errMalformedWQE, d.Len16, len(b))
	}
	b = b[:int(d.Len16)*unitSize]

	var err error
	switch d.Opcode {
	case fwRISendWR:
		if len(b) < sendWRSize+immdHdrSize {
			return nil, errMalformedWQE
		}
		d.SendOp = FWOpcode(be.Uint32(b[8:12]))
		d.PayloadLen = be.Uint32(b[16:20])
		d.Inline, d.SGList, err = decodePayload(b[sendWRSize:])
	case fwRIRdmaWriteWR:
		if len(b) < writeWRSize+immdHdrSize {
			return nil, errMalformedWQE
		}
		d.PayloadLen = be.Uint32(b[16:20])
		d.RKey = be.Uint32(b[20:24])
		d.RemoteAddr = be.Uint64(b[24:32])
		d.Inline, d.SGList, err = decodePayload(b[writeWRSize:])
	case fwRIRdmaReadWR:
		if len(b) < readWRSize {
			return nil, errMalformedWQE
		}
		d.RKey = be.Uint32(b[32:36])
		d.RemoteAddr = uint64(be.Uint32(b[36:40]))<<32 | uint64(be.Uint32(b[40:44]))
		d.PayloadLen = be.Uint32(b[28:32])
		sink := SGE{
			LKey:   be.Uint32(b[16:20]),
			Length: d.PayloadLen,
			Addr:   uint64(be.Uint32(b[20:24]))<<32 | uint64(be.Uint32(b[24:28])),
		}
		if !(sink.LKey == ReservedReadSTag && sink.Length == 0 && sink.Addr == 0) {
			d.SGList = []SGE{sink}
		}
	case fwRIRecvWR:
		_, d.SGList, err = decodePayload(b[wrHdrSize:])
		for i := range d.SGList {
			d.PayloadLen += d.SGList[i].Length
		}
	default:
		return nil, fmt.Errorf("%w: opcode 0x%x", errMalformedWQE, d.Opcode)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func decodePayload(u []byte) ([]byte, []SGE, error) {
	if len(u) < 8 {
		return nil, nil, errMalformedWQE
	}
	switch u[0] {
	case fwRIDataImmd:
		n := be.Uint32(u[4:8])
		if uint64(len(u)) < uint64(immdHdrSize)+uint64(n) {
			return nil, nil, fmt.Errorf("%w: immd length %d", errMalformedWQE, n)
		}
		data := make([]byte, n)
		copy(data, u[immdHdrSize:])
		return data, nil, nil
	case fwRIDataISGL:
		n := int(be.Uint16(u[2:4]))
		if len(u) < isglHdrSize+n*sgeSize {
			return nil, nil, fmt.Errorf("%w: isgl with %d entries", errMalformedWQE, n)
		}
		sgl := make([]SGE, n)
		flit := u[isglHdrSize:]
		for i := range sgl {
			w0 := be.Uint64(flit[0:8])
			sgl[i] = SGE{
				LKey:   uint32(w0 >> 32),
				Length: uint32(w0),
				Addr:   be.Uint64(flit[8:16]),
			}
			flit = flit[sgeSize:]
		}
		return nil, sgl, nil
	default:
		return nil, nil, fmt.Errorf("%w: payload tag 0x%x", errMalformedWQE, u[0])
	}
}

// DumpWQE logs a descriptor two flits per line at trace level.
func DumpWQE(b []byte) {
	if len(b) < wrHdrSize {
		return
	}
	len16 := int(b[7])
	for i := 0; i < len16 && (i+1)*unitSize <= len(b); i++ {
		off := i * unitSize
		log.Trace().Msgf("%02x: %016x %016x", uint8(off), be.Uint64(b[off:off+8]), be.Uint64(b[off+8:off+16]))
	}
}
