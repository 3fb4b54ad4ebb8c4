/*
Package template renders the CloudFormation stack that hosts one relay.

The stack is deliberately narrow: a VPC with one public subnet, a security
group that admits WireGuard from the origin's public address and the published
ports from anywhere, an instance role that may only delete its own stack, one
instance with an Elastic IP, and an A record for the exposed domain.

The instance user data is a cloud-boothook shell script. It runs on every boot,
rewrites the WireGuard configuration with one DNAT and MASQUERADE pair per
port mapping, installs the outpost binary as the relay watchdog agent and
signals the stack's wait condition handle once per key generation. The origin
only polls CloudFormation for the condition, so it needs no inbound port. Because
the Elastic IP and the record do not depend on the user data, changing the port
mappings is an in-place update that leaves the public address and DNS
untouched.

Render is deterministic: the same exposure, keys and parameters always give the
same bytes, and two renders with different keys differ only where keys are
embedded. Template.Redacted masks those spots for display.
*/
package template
