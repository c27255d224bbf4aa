package audit

import "embed"

// MigrationFS embeds all SQL migration files into the compiled binary so
// no migration files need to exist on disk at runtime.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
