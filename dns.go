package tunneld

import (
	"github.com/miekg/dns"
)

// SetCacheReply turns a cached answer into the reply of msg with the given rcode.
//
// A server cookie in the cached answer is rebound to the client cookie of msg.
func SetCacheReply(answer, msg *dns.Msg, code int) {
	answer.SetRcode(msg, code)
	cCookie := getEdns0Cookie(msg.IsEdns0())
	sCookie := getEdns0Cookie(answer.IsEdns0())
	// Cookies are hex encoded: 8 bytes of client cookie, then 8 to 32 bytes of server cookie.
	// See https://datatracker.ietf.org/doc/html/rfc7873#section-4
	if cCookie != nil && sCookie != nil && len(cCookie.Cookie) >= 16 && len(sCookie.Cookie) >= 16 {
		sCookie.Cookie = cCookie.Cookie[:16] + sCookie.Cookie[16:]
	}
}

// getEdns0Cookie returns Edns0 cookie from *dns.OPT if present.
func getEdns0Cookie(opt *dns.OPT) *dns.EDNS0_COOKIE {
	if opt == nil {
		return nil
	}
	for _, o := range opt.Option {
		if e, ok := o.(*dns.EDNS0_COOKIE); ok {
			return e
		}
	}
	return nil
}
