package database

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectNATS opens a NATS connection used by the change feed.
func ConnectNATS(url, clientName string) (*nats.Conn, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url must not be empty")
	}

	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to nats: %w", err)
	}

	return conn, nil
}
