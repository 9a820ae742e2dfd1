package msgpipe

import (
	"encoding/binary"
	"fmt"
)

// Banner opens every connection in both directions. No
// length prefix; the reader knows how many bytes to
// expect.
const Banner = "msgpipe v1.0\n"

// ProtoVersion is checked during the handshake; peers
// with a different version get tagBadProtoVer.
const ProtoVersion uint32 = 1

// handshake reply tags. These values are fixed by the
// protocol; both peers must agree bit for bit.
const (
	tagReady         byte = 1
	tagResetSession  byte = 2
	tagWait          byte = 3
	tagRetrySession  byte = 4
	tagRetryGlobal   byte = 5
	tagBadProtoVer   byte = 6
	tagBadAuthorizer byte = 7
	tagFeatures      byte = 8
	tagSeq           byte = 9
)

// per-frame tags, after the session is open.
const (
	tagMsg       byte = 17
	tagAck       byte = 18
	tagKeepalive byte = 19
	tagClose     byte = 20
)

func tagName(t byte) string {
	switch t {
	case tagReady:
		return "READY"
	case tagResetSession:
		return "RESETSESSION"
	case tagWait:
		return "WAIT"
	case tagRetrySession:
		return "RETRY_SESSION"
	case tagRetryGlobal:
		return "RETRY_GLOBAL"
	case tagBadProtoVer:
		return "BADPROTOVER"
	case tagBadAuthorizer:
		return "BADAUTHORIZER"
	case tagFeatures:
		return "FEATURES"
	case tagSeq:
		return "SEQ"
	case tagMsg:
		return "MSG"
	case tagAck:
		return "ACK"
	case tagKeepalive:
		return "KEEPALIVE"
	case tagClose:
		return "CLOSE"
	}
	return fmt.Sprintf("tag(%v)", int(t))
}

// feature bits, negotiated during the handshake. The
// intersection of both sides' supported sets governs the
// frame codec for the life of the session.
const (
	// FeatureNoSrcAddr selects the compact message header
	// that omits the source address.
	FeatureNoSrcAddr uint64 = 1 << 0

	// FeatureReconnectSeq enables the post-READY sequence
	// exchange that trims already-acked messages from the
	// resend queue on reconnect.
	FeatureReconnectSeq uint64 = 1 << 1

	// FeatureMsgAuth enables per-message footer signatures.
	FeatureMsgAuth uint64 = 1 << 2
)

// FeaturesAll is what a current peer advertises.
const FeaturesAll = FeatureNoSrcAddr | FeatureReconnectSeq | FeatureMsgAuth

// host types, so policy can differ by peer role.
const (
	HostUnknown uint8 = 0
	HostClient  uint8 = 1
	HostStore   uint8 = 2
	HostMeta    uint8 = 3
)

func HostTypeName(t uint8) string {
	switch t {
	case HostClient:
		return "client"
	case HostStore:
		return "store"
	case HostMeta:
		return "meta"
	}
	return "unknown"
}

// authorizer flavors.
const (
	AuthFlavorNone  uint32 = 0
	AuthFlavorKeyed uint32 = 1
)

// connect flags.
const flagLossy uint8 = 1

// message priorities; higher drains first.
const (
	PrioLow     = 64
	PrioDefault = 127
	PrioHigh    = 196
	PrioHighest = 255
)

// connectFrame is the fixed record the connecting side
// sends each round of the handshake, optionally followed
// by AuthorizerLen opaque bytes.
type connectFrame struct {
	Features           uint64
	GlobalSeq          uint64
	ConnectSeq         uint64
	ProtocolVersion    uint32
	AuthorizerProtocol uint32
	AuthorizerLen      uint32
	Flags              uint8
	HostType           uint8
}

const connectWireLen = 8 + 8 + 8 + 4 + 4 + 4 + 1 + 1 // 38

func (c *connectFrame) Encode(b []byte) []byte {
	var w [connectWireLen]byte
	binary.LittleEndian.PutUint64(w[0:8], c.Features)
	binary.LittleEndian.PutUint64(w[8:16], c.GlobalSeq)
	binary.LittleEndian.PutUint64(w[16:24], c.ConnectSeq)
	binary.LittleEndian.PutUint32(w[24:28], c.ProtocolVersion)
	binary.LittleEndian.PutUint32(w[28:32], c.AuthorizerProtocol)
	binary.LittleEndian.PutUint32(w[32:36], c.AuthorizerLen)
	w[36] = c.Flags
	w[37] = c.HostType
	return append(b, w[:]...)
}

func decodeConnectFrame(b []byte) (c connectFrame, err error) {
	if len(b) < connectWireLen {
		err = fmt.Errorf("decodeConnectFrame: need %v bytes, have %v", connectWireLen, len(b))
		return
	}
	c.Features = binary.LittleEndian.Uint64(b[0:8])
	c.GlobalSeq = binary.LittleEndian.Uint64(b[8:16])
	c.ConnectSeq = binary.LittleEndian.Uint64(b[16:24])
	c.ProtocolVersion = binary.LittleEndian.Uint32(b[24:28])
	c.AuthorizerProtocol = binary.LittleEndian.Uint32(b[28:32])
	c.AuthorizerLen = binary.LittleEndian.Uint32(b[32:36])
	c.Flags = b[36]
	c.HostType = b[37]
	return
}

// connectReply answers a connectFrame, optionally
// followed by AuthorizerLen opaque bytes, and (when Tag
// is tagSeq) the two u64 sequence exchange.
type connectReply struct {
	Tag             uint8
	Features        uint64
	GlobalSeq       uint64
	ConnectSeq      uint64
	ProtocolVersion uint32
	AuthorizerLen   uint32
	Flags           uint8
}

const connectReplyWireLen = 1 + 8 + 8 + 8 + 4 + 4 + 1 // 34

func (r *connectReply) Encode(b []byte) []byte {
	var w [connectReplyWireLen]byte
	w[0] = r.Tag
	binary.LittleEndian.PutUint64(w[1:9], r.Features)
	binary.LittleEndian.PutUint64(w[9:17], r.GlobalSeq)
	binary.LittleEndian.PutUint64(w[17:25], r.ConnectSeq)
	binary.LittleEndian.PutUint32(w[25:29], r.ProtocolVersion)
	binary.LittleEndian.PutUint32(w[29:33], r.AuthorizerLen)
	w[33] = r.Flags
	return append(b, w[:]...)
}

func decodeConnectReply(b []byte) (r connectReply, err error) {
	if len(b) < connectReplyWireLen {
		err = fmt.Errorf("decodeConnectReply: need %v bytes, have %v", connectReplyWireLen, len(b))
		return
	}
	r.Tag = b[0]
	r.Features = binary.LittleEndian.Uint64(b[1:9])
	r.GlobalSeq = binary.LittleEndian.Uint64(b[9:17])
	r.ConnectSeq = binary.LittleEndian.Uint64(b[17:25])
	r.ProtocolVersion = binary.LittleEndian.Uint32(b[25:29])
	r.AuthorizerLen = binary.LittleEndian.Uint32(b[29:33])
	r.Flags = b[33]
	return
}
