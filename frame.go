package msgpipe

// frame.go: the message envelope. A frame on the wire is
//
//	tagMsg, header, front, middle, data, footer
//
// with two header and footer layouts negotiated per
// session: the compact forms (FeatureNoSrcAddr /
// FeatureMsgAuth) and the legacy forms that embed the
// source address and omit the signature.

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// crc32c continues a CRC-32C over data.
func crc32c(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

const pageSize = 4096

// Header is the message envelope. Src rides on the wire
// only in the legacy layout, for peers without
// FeatureNoSrcAddr.
type Header struct {
	Seq  uint64
	TID  uint64
	Type uint16
	Prio uint16
	Ver  uint16

	FrontLen  uint32
	MiddleLen uint32
	DataLen   uint32
	DataOff   uint32

	Src Addr

	Crc uint32
}

const headerWireLen = 8 + 8 + 2 + 2 + 2 + 4 + 4 + 4 + 4 + 4       // 42
const headerLegacyWireLen = headerWireLen + addrWireLen           // 66

func headerLen(legacy bool) int {
	if legacy {
		return headerLegacyWireLen
	}
	return headerWireLen
}

// Encode produces the wire bytes, computing the header
// crc over everything before the crc field (the legacy
// layout therefore covers the embedded source address
// too, which is why the two variants cannot share a crc).
func (h *Header) Encode(legacy bool) []byte {
	n := headerLen(legacy)
	w := make([]byte, 0, n)
	var fixed [38]byte
	binary.LittleEndian.PutUint64(fixed[0:8], h.Seq)
	binary.LittleEndian.PutUint64(fixed[8:16], h.TID)
	binary.LittleEndian.PutUint16(fixed[16:18], h.Type)
	binary.LittleEndian.PutUint16(fixed[18:20], h.Prio)
	binary.LittleEndian.PutUint16(fixed[20:22], h.Ver)
	binary.LittleEndian.PutUint32(fixed[22:26], h.FrontLen)
	binary.LittleEndian.PutUint32(fixed[26:30], h.MiddleLen)
	binary.LittleEndian.PutUint32(fixed[30:34], h.DataLen)
	binary.LittleEndian.PutUint32(fixed[34:38], h.DataOff)
	w = append(w, fixed[:]...)
	if legacy {
		w = h.Src.Encode(w)
	}
	h.Crc = crc32c(0, w)
	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], h.Crc)
	w = append(w, crc[:]...)
	return w
}

// DecodeHeader parses b and verifies the header crc.
func DecodeHeader(b []byte, legacy bool) (h Header, err error) {
	n := headerLen(legacy)
	if len(b) < n {
		err = fmt.Errorf("DecodeHeader: need %v bytes, have %v", n, len(b))
		return
	}
	h.Seq = binary.LittleEndian.Uint64(b[0:8])
	h.TID = binary.LittleEndian.Uint64(b[8:16])
	h.Type = binary.LittleEndian.Uint16(b[16:18])
	h.Prio = binary.LittleEndian.Uint16(b[18:20])
	h.Ver = binary.LittleEndian.Uint16(b[20:22])
	h.FrontLen = binary.LittleEndian.Uint32(b[22:26])
	h.MiddleLen = binary.LittleEndian.Uint32(b[26:30])
	h.DataLen = binary.LittleEndian.Uint32(b[30:34])
	h.DataOff = binary.LittleEndian.Uint32(b[34:38])
	pos := 38
	if legacy {
		h.Src, err = DecodeAddr(b[pos:])
		if err != nil {
			return
		}
		pos += addrWireLen
	}
	h.Crc = binary.LittleEndian.Uint32(b[pos : pos+4])
	want := crc32c(0, b[:pos])
	if want != h.Crc {
		err = fmt.Errorf("DecodeHeader: bad header crc %v != %v", want, h.Crc)
		return
	}
	return
}

// footer flags.
const (
	footerComplete uint8 = 1 << 0
	footerNoCrc    uint8 = 1 << 1
)

// Footer trails every message with the section crcs, the
// signature (compact layout only), and the flags byte.
// A footer whose Complete flag is unset marks an aborted
// send; the receiver discards the message without fault.
type Footer struct {
	FrontCrc  uint32
	MiddleCrc uint32
	DataCrc   uint32
	Sig       uint64
	Flags     uint8
}

const footerWireLen = 4 + 4 + 4 + 8 + 1 // 21
const footerLegacyWireLen = 4 + 4 + 4 + 1

func footerLen(legacy bool) int {
	if legacy {
		return footerLegacyWireLen
	}
	return footerWireLen
}

func (f *Footer) Encode(legacy bool) []byte {
	w := make([]byte, footerLen(legacy))
	binary.LittleEndian.PutUint32(w[0:4], f.FrontCrc)
	binary.LittleEndian.PutUint32(w[4:8], f.MiddleCrc)
	binary.LittleEndian.PutUint32(w[8:12], f.DataCrc)
	if legacy {
		w[12] = f.Flags
	} else {
		binary.LittleEndian.PutUint64(w[12:20], f.Sig)
		w[20] = f.Flags
	}
	return w
}

func DecodeFooter(b []byte, legacy bool) (f Footer, err error) {
	n := footerLen(legacy)
	if len(b) < n {
		err = fmt.Errorf("DecodeFooter: need %v bytes, have %v", n, len(b))
		return
	}
	f.FrontCrc = binary.LittleEndian.Uint32(b[0:4])
	f.MiddleCrc = binary.LittleEndian.Uint32(b[4:8])
	f.DataCrc = binary.LittleEndian.Uint32(b[8:12])
	if legacy {
		f.Flags = b[12]
	} else {
		f.Sig = binary.LittleEndian.Uint64(b[12:20])
		f.Flags = b[20]
	}
	return
}

// allocAlignedBuffer carves dataLen bytes into pieces
// that reproduce the sender's alignment: a head piece
// running up to the next page boundary past off, a
// page-multiple middle, and the remainder. Readers fill
// the pieces in order; writers of page-aligned payloads
// then land each page on a page boundary.
func allocAlignedBuffer(dataLen, off uint32) (pieces [][]byte) {
	left := dataLen
	if off%pageSize != 0 {
		head := pageSize - off%pageSize
		if head > left {
			head = left
		}
		pieces = append(pieces, make([]byte, head))
		left -= head
	}
	middle := left - left%pageSize
	if middle > 0 {
		pieces = append(pieces, make([]byte, middle))
		left -= middle
	}
	if left > 0 {
		pieces = append(pieces, make([]byte, left))
	}
	return
}
