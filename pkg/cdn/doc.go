/*
Package cdn implements the cloudflare exposure strategy by supervising a local
cloudflared process.

Provision writes a cloudflared config.yml for the exposure (tunnel, credentials
file and one ingress rule per tcp mapping, followed by the mandatory
http_status:404 catch-all) and starts

	cloudflared tunnel --no-autoupdate --config <file> run

Unexpected exits are restarted with exponential backoff and counted in the
outpost_cdn_restarts_total metric. Reconfigure rewrites the file and restarts
the process. When the exposure sets a metrics address, cloudflared's /ready
endpoint decides whether the tunnel is reported up.
*/
package cdn
