// Package cache holds the recursor's answer and delegation caches.
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

type keyBuffer struct {
	buf [264]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

// Key hashes a question. Names compare case-insensitively; the optional cd
// flag separates answers fetched with checking disabled.
// Layout: [qclass:2][qtype:2][cd:1][qname].
func Key(q dns.Question, cd ...bool) uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	defer keyBufferPool.Put(kb)

	buf := kb.buf[:0]
	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass), byte(q.Qtype>>8), byte(q.Qtype))

	if len(cd) > 0 && cd[0] {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	for i := 0; i < len(q.Name); i++ {
		c := q.Name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	return xxhash.Sum64(buf)
}
