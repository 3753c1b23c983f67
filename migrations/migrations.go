// Package migrations embeds the versioned postgres schema.
package migrations

import "embed"

// FS holds the *.up.sql / *.down.sql pairs applied by golang-migrate
//
//go:embed *.sql
var FS embed.FS
