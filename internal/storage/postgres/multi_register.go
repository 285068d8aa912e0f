package postgres

import "dwetl/internal/storage"

func init() {
	// registers the backend factory
	storage.Register("postgres", New)
}
