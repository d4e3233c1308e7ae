/*
Package main implements adns, an authoritative DNS server.

adns serves zones from master files and keeps them consistent under dynamic
updates and online DNSSEC signing:

  - Primary zones loaded from master files, reloaded when the file changes
  - Secondary zones pulled from their primaries by AXFR and refreshed on NOTIFY
  - Forward zones answered by upstream servers, hint zones for recursion
  - RFC 2136 dynamic updates with SIG(0), an address ACL and a journal
  - Online signing with NSEC or NSEC3 and periodic signature refresh
  - UDP, TCP, DNS-over-TLS, DNS-over-HTTPS and DNS-over-QUIC listeners
  - Zone change announcements over Redis for secondaries on other nodes

Every message passes through the middleware chain:

 1. Recovery - Panic recovery
 2. Metrics - Prometheus metrics collection
 3. AccessList - IP-based access control
 4. RateLimit - Query rate limiting per client
 5. EDNS - EDNS0 processing
 6. AccessLog - Query logging
 7. Chaos - Chaos TXT query responses
 8. Authority - The zone catalog

Usage:

	adns [flags]
	adns [command]

Available Commands:

	serve       Start the DNS server
	keygen      Generate a DNSSEC key pair in BIND format
	version     Print version information

Flags:

	-c, --config string   Location of config file (default "adns.conf")
	-h, --help            Help for adns

Example:

	# Start with a custom config
	adns -c /etc/adns/adns.conf

	# Create the signing keys of a zone
	adns keygen --zone example.com. --dir /etc/adns/keys
	adns keygen --zone example.com. --dir /etc/adns/keys --ksk
*/
package main // import "github.com/semihalev/adns"
