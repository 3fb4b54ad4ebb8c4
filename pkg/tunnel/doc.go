/*
Package tunnel supervises the origin end of each relay tunnel.

Every relay exposure gets its own WireGuard interface, named by InterfaceName
from the domain, and its own /24 from Allocator. The relay takes .1 and the
origin .2. Candidate subnets are 172.17-31.0.0/24, then 10.99, 10.98, 10.97
and 192.168.99. A candidate is skipped when a local interface address shares
its first two octets.

BringUp creates the link with the ip command and configures it through wgctrl
with exactly one peer, the relay:

	PublicKey           relay public key
	PresharedKey        shared preshared key
	Endpoint            relay Elastic IP : relay listen port
	AllowedIPs          relay tunnel address /32
	PersistentKeepalive 25s

The origin never listens on a fixed port; it initiates the handshake and the
keepalive holds the NAT mapping open. Rebind changes only the peer endpoint
(UpdateOnly) and leaves keys and addresses alone. TearDown deletes the link and
wipes the handle's copy of the key material.

Status considers a tunnel up only when the device and peer exist and the last
handshake is younger than StaleAfter. Bring-up failures are retried with
exponential backoff and end in an *EstablishmentError.
*/
package tunnel
