package kwp

import "github.com/canbadger/canbadger/pkg/hijack"

// HijackMatchers builds the hijack.Matchers set for a KWP2000
// SecurityAccess handshake. Identical shape to pkg/uds's matcher set --
// KWP's reply offset convention (request+0x40) already matches what UDS
// uses for SecurityAccess specifically -- kept as a separate copy per
// spec §9's "protocol-specific matcher sets built at pkg/uds/pkg/kwp
// call sites" rather than sharing code across packages that otherwise
// have independent SID tables and may diverge.
func HijackMatchers() hijack.Matchers {
	return hijack.Matchers{
		IsSeedRequest: func(obs hijack.Observation) (byte, bool) {
			p := obs.Payload
			if len(p) < 2 || p[0] != SIDSecurityAccess {
				return 0, false
			}
			if len(p) > 2 {
				return 0, false
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
