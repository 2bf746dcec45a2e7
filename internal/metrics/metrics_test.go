package metrics

import (
	"encoding/json"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRegistryCounters(t *testing.T) {
	Convey("Given a fresh Registry", t, func() {
		r := New()

		Convey("counters start at zero", func() {
			var snap Snapshot
			body, err := r.JSON()
			So(err, ShouldBeNil)
			So(json.Unmarshal(body, &snap), ShouldBeNil)
			So(snap.TickCount, ShouldEqual, 0)
			So(snap.EscrowLockOK, ShouldEqual, 0)
		})

		Convey("When ticks and escrow outcomes are recorded", func() {
			r.IncTick()
			r.IncTick()
			r.SetSessionsActive(3)
			r.IncChallengesResolved()
			r.IncEscrowLockOK()
			r.IncEscrowLockFail()
			r.IncEscrowResolveOK()
			r.IncEscrowResolveFail()

			Convey("the JSON snapshot reflects them", func() {
				var snap Snapshot
				body, err := r.JSON()
				So(err, ShouldBeNil)
				So(json.Unmarshal(body, &snap), ShouldBeNil)
				So(snap.TickCount, ShouldEqual, 2)
				So(snap.SessionsActive, ShouldEqual, 3)
				So(snap.ChallengesResolved, ShouldEqual, 1)
				So(snap.EscrowLockOK, ShouldEqual, 1)
				So(snap.EscrowLockFail, ShouldEqual, 1)
			})

			Convey("the Prometheus text exposition contains every metric", func() {
				text := r.Prometheus()
				So(text, ShouldContainSubstring, "arena_tick_count 2")
				So(text, ShouldContainSubstring, "arena_sessions_active 3")
				So(strings.Count(text, "# HELP"), ShouldEqual, 8)
			})
		})
	})
}
