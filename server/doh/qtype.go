package doh

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// ParseQTYPE returns the type named by s, either a mnemonic or a number.
// An empty string means A, an unknown name returns TypeNone.
func ParseQTYPE(s string) uint16 {
	if s == "" {
		return dns.TypeA
	}

	if v, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(v)
	}

	s = strings.ToUpper(s)

	if v, ok := dns.StringToType[s]; ok {
		return v
	}

	// TYPE65534 style names
	if n, ok := strings.CutPrefix(s, "TYPE"); ok {
		if v, err := strconv.ParseUint(n, 10, 16); err == nil {
			return uint16(v)
		}
	}

	return dns.TypeNone
}
