package store

import (
	"fmt"

	"github.com/alicebob/miniredis/v2"
)

// Embedded is a Redis store whose server runs inside the process, for
// development without a Redis deployment. Every Connect shares the same
// server, so several coordinators in one process behave like separate
// processes against one Redis.
type Embedded struct {
	*Redis
	server *miniredis.Miniredis
}

// NewEmbedded starts an in-process server and connects to it.
func NewEmbedded() (*Embedded, error) {
	mr, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start embedded redis: %w", err)
	}
	return &Embedded{Redis: NewRedis(NewRedisClient(mr.Addr())), server: mr}, nil
}

// Addr returns the address the embedded server listens on.
func (e *Embedded) Addr() string {
	return e.server.Addr()
}

// Connect opens another connection to the embedded server. The caller
// closes it; closing it leaves the server running.
func (e *Embedded) Connect() *Redis {
	return NewRedis(NewRedisClient(e.server.Addr()))
}

// Close closes the connection and stops the server.
func (e *Embedded) Close() error {
	err := e.Redis.Close()
	e.server.Close()
	return err
}
