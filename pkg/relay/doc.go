/*
Package relay implements the aws exposure strategy: a disposable EC2 relay,
created by CloudFormation, that forwards public traffic through a WireGuard
tunnel to the private origin.

One Strategy serves one domain and composes the shared components:

	keys.Manager        fresh identities per deployment
	template.Builder    stack template and relay boot script
	deployer.Deployer   create, update, poll and delete the stack
	readiness.Gate      wait condition the relay signals once it has booted
	tunnel.Supervisor   origin end of the tunnel
	network.Forwarder   iptables rules from the tunnel to the origin

Provision validates the hosted zone, renders and submits the stack, waits for
the relay to signal the stack's wait condition and for the stack itself, then
brings the tunnel up and installs forwarding. A stack left by an earlier run of
this host is attached and rekeyed with an update instead of being created a
second time; one tagged with another host's owner id is refused. A relay that
never signals is deleted and reported as a DeploymentTimeout.

Reconfigure updates the stack in place with the same keys and wait condition.
Teardown deletes the stack first and only then releases the tunnel, the
forwarding rules, the subnet and the keys.
*/
package relay
