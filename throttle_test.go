package msgpipe

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func TestThrottle001_reserve_release(t *testing.T) {

	cv.Convey("Throttle.Get blocks at the limit until Put frees capacity; nil throttles are no-ops", t, func() {

		th := NewThrottle(10)
		th.Get(7)
		cv.So(th.Current(), cv.ShouldEqual, 7)

		blocked := make(chan bool, 1)
		go func() {
			th.Get(5) // 7+5 > 10, must wait
			blocked <- true
		}()

		select {
		case <-blocked:
			t.Fatalf("Get(5) should have blocked at 7/10")
		case <-time.After(50 * time.Millisecond):
			// good, still blocked
		}

		th.Put(7)
		select {
		case <-blocked:
			// good, freed
		case <-time.After(5 * time.Second):
			t.Fatalf("Get(5) never unblocked after Put(7)")
		}
		th.Put(5)
		cv.So(th.Current(), cv.ShouldEqual, 0)

		// oversize requests clamp instead of jamming forever.
		th.Get(1 << 40)
		cv.So(th.Current(), cv.ShouldEqual, 10)
		th.Put(1 << 40)

		// nil is unlimited.
		var nilTh *Throttle
		nilTh.Get(100)
		nilTh.Put(100)
		cv.So(NewThrottle(0), cv.ShouldBeNil)
	})
}
