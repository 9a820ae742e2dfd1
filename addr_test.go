package msgpipe

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func TestAddr001_codec_round_trip(t *testing.T) {

	cv.Convey("Addr Encode then DecodeAddr is the identity, for v4 and v6", t, func() {

		a, err := ParseAddr("10.1.2.3:6789")
		panicOn(err)
		a.Nonce = 424242

		b, err := DecodeAddr(a.Encode(nil))
		panicOn(err)
		cv.So(b, cv.ShouldResemble, a)
		cv.So(b.Family, cv.ShouldEqual, familyIPv4)

		a6, err := ParseAddr("[2001:db8::1]:6789")
		panicOn(err)
		a6.Nonce = 7
		b6, err := DecodeAddr(a6.Encode(nil))
		panicOn(err)
		cv.So(b6, cv.ShouldResemble, a6)
		cv.So(b6.Family, cv.ShouldEqual, familyIPv6)

		// short buffer refused
		_, err = DecodeAddr(a.Encode(nil)[:10])
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func TestAddr002_ordering_and_blank(t *testing.T) {

	cv.Convey("Less orders by the wire encoding, and nonces break ties", t, func() {

		a, err := ParseAddr("10.1.2.3:6789")
		panicOn(err)
		b := a
		a.Nonce = 1
		b.Nonce = 2
		cv.So(a.Less(b), cv.ShouldBeTrue)
		cv.So(b.Less(a), cv.ShouldBeFalse)
		cv.So(a.Less(a), cv.ShouldBeFalse)
	})

	cv.Convey("IsBlankIP reports an all-zero ip; declared port and nonce survive", t, func() {

		a, err := ParseAddr(":7777")
		panicOn(err)
		a.Nonce = 99
		cv.So(a.IsBlankIP(), cv.ShouldBeTrue)
		cv.So(a.Port, cv.ShouldEqual, 7777)

		var full Addr
		full, err = ParseAddr("127.0.0.1:5555")
		panicOn(err)
		cv.So(full.IsBlankIP(), cv.ShouldBeFalse)
	})
}
