// Command rolesyncd runs the role sync service and provides operator
// tools around it.
//
// Run the service:
//
//	ROLESYNC_AUTH_TRUSTED_ISSUERS=https://clerk.example.com \
//	ROLESYNC_PROVIDER_SECRET_KEY=sk_live_... \
//	rolesyncd serve
//
// Inspect an issuer's signing keys:
//
//	rolesyncd keys https://clerk.example.com
//
// Resolve a role for a session token from the command line:
//
//	rolesyncd resolve --role student --token "$TOKEN"
package main

import "os"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:]))
}
