package uds

import "github.com/canbadger/canbadger/pkg/hijack"

// HijackMatchers builds the hijack.Matchers set for a UDS-over-CAN
// SecurityAccess handshake (spec §4.6 scenario 5), recognizing raw
// single-frame ISO-TP payloads exactly as they appear on the wire --
// the hijack engine snoops the bridge directly and does not reassemble
// ISO-TP (spec §1's Non-goal applies to the hijack/hammer engine the
// same way it applies to the MITM engine).
//
// A seed request is a single frame carrying only SID+level ("02 27
// 01"); a seed reply carries the SID+level plus the seed bytes ("06 67
// 01 ..."); a key-submission ack is the SID+level alone with no extra
// bytes ("02 67 02"), distinguishing it from the seed reply by length
// rather than by level parity.
func HijackMatchers() hijack.Matchers {
	return hijack.Matchers{
		IsSeedRequest: func(obs hijack.Observation) (byte, bool) {
			p := obs.Payload
			if len(p) < 2 || p[0] != SIDSecurityAccess {
				return 0, false
			}
			if len(p) > 2 {
				return 0, false // carries a key: not a bare seed request
			}
			return p[1], true
		},
		IsSeedReply: func(obs hijack.Observation) ([]byte, bool) {
			p := obs.Payload
			if len(p) <= 2 || p[0] != SIDSecurityAccess+ResponseOffset {
				return nil, false
			}
			return p[2:], true
		},
		IsKeyReply: func(obs hijack.Observation) bool {
			p := obs.Payload
			return len(p) == 2 && p[0] == SIDSecurityAccess+ResponseOffset
		},
		IsAuthFailure: func(obs hijack.Observation) bool {
			p := obs.Payload
			return len(p) >= 2 && p[0] == negativeResponseSID && p[1] == SIDSecurityAccess
		},
	}
}
