package storage

import "embed"

//go:embed migrations/*.sql
var migrationsFS embed.FS

func migration(driver string) (string, error) {
	b, err := migrationsFS.ReadFile("migrations/" + driver + ".sql")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
