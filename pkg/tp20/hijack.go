package tp20

import (
	"github.com/canbadger/canbadger/pkg/hijack"
	"github.com/canbadger/canbadger/pkg/kwp"
)

// HijackMatchers builds the hijack.Matchers set for a SecurityAccess
// handshake carried inside TP2.0 data frames: byte 0 is the sequence
// counter (high nibble) and frame type (low nibble), and the remaining
// bytes are a KWP service PDU (spec §4.4: "once ESTABLISHED, KWP2000
// application PDUs ride inside TP2.0 data frames"), so this strips the
// TP2.0 framing byte and delegates to pkg/kwp's SID matching.
func HijackMatchers() hijack.Matchers {
	inner := kwp.HijackMatchers()
	strip := func(obs hijack.Observation) (hijack.Observation, bool) {
		p := obs.Payload
		if len(p) < 1 {
			return hijack.Observation{}, false
		}
		if p[0]&0x0F != frameTypeDataFinal && p[0]&0x0F != frameTypeDataMore {
			return hijack.Observation{}, false
		}
		return hijack.Observation{Bus: obs.Bus, ID: obs.ID, Payload: p[1:]}, true
	}
	return hijack.Matchers{
		IsSeedRequest: func(obs hijack.Observation) (byte, bool) {
			inner2, ok := strip(obs)
			if !ok {
				return 0, false
			}
			return inner.IsSeedRequest(inner2)
		},
		IsSeedReply: func(obs hijack.Observation) ([]byte, bool) {
			inner2, ok := strip(obs)
			if !ok {
				return nil, false
			}
			return inner.IsSeedReply(inner2)
		},
		IsKeyReply: func(obs hijack.Observation) bool {
			inner2, ok := strip(obs)
			return ok && inner.IsKeyReply(inner2)
		},
		IsAuthFailure: func(obs hijack.Observation) bool {
			inner2, ok := strip(obs)
			return ok && inner.IsAuthFailure(inner2)
		},
	}
}

// SequenceCounter extracts the TP2.0 sequence counter (high nibble of
// byte 0) from a data-frame observation, for hijack.Engine.Run's
// tp20Sequence parameter -- spec §4.6: "on HIJACKED, the engine returns
// (level, optional_tp20_counter)" so the inherited session can seed its
// tx/rx counters correctly.
func SequenceCounter(obs hijack.Observation) (uint8, bool) {
	p := obs.Payload
	if len(p) < 1 {
		return 0, false
	}
	if p[0]&0x0F != frameTypeDataFinal && p[0]&0x0F != frameTypeDataMore {
		return 0, false
	}
	return p[0] >> 4, true
}
