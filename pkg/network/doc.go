/*
Package network holds the origin-side host networking outpost needs around a
relay tunnel.

# Forwarding

The relay DNATs each public port to the origin's tunnel address, so packets
arrive on the origin's WireGuard interface addressed to the mapping's internal
port. Forwarder carries them on to the origin service, which may live on
another host or in a container:

	filter INPUT   -i wg -s <relay> -m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT
	filter FORWARD -o wg -d <relay> -j ACCEPT

and per port mapping

	filter INPUT       -i wg -s <relay> -p <proto> --dport <internal> -j ACCEPT
	filter FORWARD     -i wg -s <relay> -p <proto> --dport <internal> -j ACCEPT
	nat    PREROUTING  -i wg -s <relay> -p <proto> --dport <internal> -j DNAT --to-destination <origin>:<internal>
	nat    POSTROUTING -d <origin> -p <proto> --dport <internal> -j MASQUERADE

Only the relay's tunnel address is accepted. Rules are removed in reverse order
when the tunnel goes away, and a failed Publish removes what it added.

# Public address

IPDetector asks an echo service (api.ipify.org by default) for the origin's
public IPv4 address. The relay's security group only admits WireGuard traffic
from that address. Requests are retried with go-retryablehttp.

# Capabilities

HasNetAdmin reads CapEff from /proc/self/status. Relay exposures need
CAP_NET_ADMIN for both the tunnel interface and iptables.
*/
package network
