/*
Package config loads the outpost configuration file.

The file is YAML and is decoded strictly: unknown keys are errors. Scalar
settings can be overridden with OUTPOST_* environment variables (for example
OUTPOST_AWS_REGION) or command flags bound to the same viper keys. Exposures
are keyed by domain and only come from the file:

	exposures:
	  a.example:
	    service: tcp://web:8080
	    provider: aws
	    ports:
	      - {external: 80, internal: 8080, protocol: tcp}

Validation collects every problem into one ConfigError. A Watcher reloads the
file when it changes or when the process receives SIGHUP; a reload that fails
validation is reported and the caller keeps the previous configuration.
*/
package config
