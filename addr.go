package msgpipe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// address families on the wire. We do not use the OS
// AF_* values because those differ across platforms and
// this goes over the network.
const (
	familyNone uint16 = 0
	familyIPv4 uint16 = 4
	familyIPv6 uint16 = 6
)

const addrWireLen = 24

// Addr identifies a messenger endpoint: family, ip,
// port, and the process-wide nonce that distinguishes
// successive incarnations on the same ip:port.
//
// Two Addrs order by the lexicographic byte order of
// their wire encoding; the nonce makes ties between
// distinct processes impossible, which is what lets the
// connection race resolve deterministically.
type Addr struct {
	Family uint16
	Port   uint16
	Nonce  uint32
	IP     [16]byte // v4 addresses live in the tail 4 bytes, the first 12 stay zero
}

// Encode appends the 24-byte wire form of a to b.
func (a Addr) Encode(b []byte) []byte {
	var w [addrWireLen]byte
	binary.LittleEndian.PutUint16(w[0:2], a.Family)
	binary.LittleEndian.PutUint16(w[2:4], a.Port)
	binary.LittleEndian.PutUint32(w[4:8], a.Nonce)
	copy(w[8:24], a.IP[:])
	return append(b, w[:]...)
}

// DecodeAddr reads the 24-byte wire form from b.
func DecodeAddr(b []byte) (a Addr, err error) {
	if len(b) < addrWireLen {
		err = fmt.Errorf("DecodeAddr: need %v bytes, have %v", addrWireLen, len(b))
		return
	}
	a.Family = binary.LittleEndian.Uint16(b[0:2])
	a.Port = binary.LittleEndian.Uint16(b[2:4])
	a.Nonce = binary.LittleEndian.Uint32(b[4:8])
	copy(a.IP[:], b[8:24])
	return
}

// Less orders by wire encoding.
func (a Addr) Less(b Addr) bool {
	return bytes.Compare(a.Encode(nil), b.Encode(nil)) < 0
}

func (a Addr) Equal(b Addr) bool {
	return a == b
}

// key is the registry key: the wire form as a string.
func (a Addr) key() string {
	return string(a.Encode(nil))
}

// IsBlankIP reports an all-zero ip, which a peer sends
// when it does not know its own externally visible
// address yet.
func (a Addr) IsBlankIP() bool {
	return a.IP == [16]byte{}
}

func (a Addr) netIP() net.IP {
	if a.Family == familyIPv4 {
		return net.IP(a.IP[12:16])
	}
	return net.IP(a.IP[:])
}

func (a *Addr) setNetIP(ip net.IP) {
	a.IP = [16]byte{}
	if ip4 := ip.To4(); ip4 != nil {
		a.Family = familyIPv4
		copy(a.IP[12:16], ip4)
		return
	}
	a.Family = familyIPv6
	copy(a.IP[:], ip.To16())
}

// HostPort gives the dialable "ip:port" form.
func (a Addr) HostPort() string {
	return net.JoinHostPort(a.netIP().String(), strconv.Itoa(int(a.Port)))
}

func (a Addr) String() string {
	return fmt.Sprintf("%v/%v", a.HostPort(), a.Nonce)
}

// addrFromNetAddr captures the ip and port of a
// net.TCPAddr; the nonce stays zero, callers fill it in
// when they know it.
func addrFromNetAddr(na net.Addr) (a Addr) {
	ta, ok := na.(*net.TCPAddr)
	if !ok {
		return
	}
	a.setNetIP(ta.IP)
	a.Port = uint16(ta.Port)
	return
}

// ParseAddr turns "ip:port" into an Addr with zero nonce.
func ParseAddr(hostport string) (a Addr, err error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	a.Port = uint16(port)
	if host == "" {
		return // blank ip, family unset
	}
	ip := net.ParseIP(host)
	if ip == nil {
		err = fmt.Errorf("ParseAddr: bad ip '%v'", host)
		return
	}
	a.setNetIP(ip)
	return
}
