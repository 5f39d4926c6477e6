package config

// Salt is the token-revocation map. Adding or changing an email's salt
// invalidates every token minted for that email before the change: tokens
// are accepted only when their salt claim matches the entry here (or the
// email has no entry at all).
//
// This file is an operational lever: edit and redeploy to revoke tokens.
// Example:
//
//	"blocked@example.com": "2",
var Salt = map[string]string{}
