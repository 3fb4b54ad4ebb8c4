/*
Package dns verifies the public A record of a relay exposure.

The relay stack creates `<domain>. A <Elastic IP>` in Route53. Once the stack
is Ready the relay strategy asks the hosted zone's own name servers, taken from
the zone's delegation set, whether the record already points at the relay's
address:

	v := dns.NewVerifier(zone.NameServers)
	ok, err := v.Verify(ctx, "a.example", relayIP)

Querying the authoritative servers sees the change immediately instead of
waiting out resolver caches. A name that does not exist is not an error; it
simply has no addresses. Servers are tried in order and the first answer wins.
*/
package dns
