// Package config loads runtime configuration for the CreditKeeper client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c or -config.
//  3. CREDITKEEPER_* environment variables.
//  4. Command-line flags, which override everything else.
//
// Supported flags
//
//	-a string   address:port of the backend gRPC endpoint
//	-i int      online status check interval (seconds)
//	-d string   local database path
//	-l string   log level
//
// # JSON schema
//
// Durations are timex.Duration, so values can be strings like "3s" or
// integer nanoseconds:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "max_cache_age": "72h",
//	  "products": [
//	    {"id": "credits.pack.15", "kind": "pack", "credits": 15}
//	  ]
//	}
package config
