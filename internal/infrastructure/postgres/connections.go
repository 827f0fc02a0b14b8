package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connections are the three paths the sync queue talks to the database on.
// ReadPrimary must observe every write already acknowledged on Write; Read
// may lag behind (a replica).
type Connections struct {
	Write       *pgxpool.Pool
	Read        *pgxpool.Pool
	ReadPrimary *pgxpool.Pool
}

// NewConnections uses primary for writes and consistent reads, and replica
// for other reads. A nil replica falls back to primary.
func NewConnections(primary, replica *pgxpool.Pool) Connections {
	if replica == nil {
		replica = primary
	}
	return Connections{
		Write:       primary,
		Read:        replica,
		ReadPrimary: primary,
	}
}

func (c Connections) validate() error {
	if c.Write == nil || c.Read == nil || c.ReadPrimary == nil {
		return errors.New("postgres connections: write, read and read-primary pools are required")
	}
	return nil
}
