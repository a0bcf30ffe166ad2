// Package all registers every warehouse backend.
package all

import (
	_ "listenetl/internal/storage/duckdb"
	_ "listenetl/internal/storage/mssql"
	_ "listenetl/internal/storage/postgres"
	_ "listenetl/internal/storage/sqlite"
)
