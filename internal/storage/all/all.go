// Package all links every storage backend into the binary so that
// store.kind can select any of them at run time.
package all

import (
	_ "dwetl/internal/storage/mssql"
	_ "dwetl/internal/storage/postgres"
	_ "dwetl/internal/storage/sqlite"
)
