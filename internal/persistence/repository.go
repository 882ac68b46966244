package persistence

import "futures-session-bot-go/internal/models"

// StateRepository defines the interface for checkpoint persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the session and broker modules. State is stored per symbol so
// several sessions can share one database directory.
type StateRepository interface {
	// SaveBrokerState atomically saves a broker checkpoint.
	SaveBrokerState(snap *models.BrokerSnapshot) error

	// LoadBrokerState loads the broker checkpoint for a symbol.
	// If no state is found, it returns (nil, nil).
	LoadBrokerState(symbol string) (*models.BrokerSnapshot, error)

	// SaveSessionState atomically saves a session checkpoint.
	SaveSessionState(snap *models.SessionSnapshot) error

	// LoadSessionState loads the session checkpoint for a symbol.
	// If no state is found, it returns (nil, nil).
	LoadSessionState(symbol string) (*models.SessionSnapshot, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
