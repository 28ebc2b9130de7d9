// Package migrations embeds SQL migration templates for every supported dialect.
// Table names are rendered with the deployment's table prefix before they are applied.
package migrations

import "embed"

// FS holds the embedded SQL migration templates, one directory per dialect.
//
//go:embed sqlite/*.sql mysql/*.sql postgres/*.sql
var FS embed.FS
