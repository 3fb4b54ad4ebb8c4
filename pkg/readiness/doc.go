/*
Package readiness waits for booting relays to report in.

Every relay stack carries a CloudFormation WaitConditionHandle and a WaitCondition
with Count 1. The handle's presigned URL is substituted into the relay's boot
script, which signals it exactly once per key generation:

	PUT <handle url>
	{"Status": "SUCCESS", "Reason": "...", "UniqueId": "<instance id>", "Data": "<public ip>"}

The signal goes to CloudFormation, not to the origin, so no inbound path to
the origin is needed and an origin behind NAT works. Gate.Await polls the
condition through DescribeStackResource until it completes, fails or times out,
with all waiters sharing one rate limiter. Once the stack is ready its
ReadyData output carries the condition's Data, which ParseData decodes.

A signal that arrives after the stack was deleted reaches nothing, so a
deployment that has already been torn down cannot be revived.
*/
package readiness
