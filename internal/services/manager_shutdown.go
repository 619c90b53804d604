package services

import (
	"context"
	"log"
)

func (m *Manager) Shutdown(ctx context.Context) {
	for i, srv := range m.servers {
		log.Printf("Stopping %s...", m.serverNames[i])
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down %s: %v", m.serverNames[i], err)
		}
	}

	for _, ns := range m.natsServers {
		ns.Stop()
	}

	for col, state := range m.states {
		log.Printf("Stopping replication for %s...", col)
		state.Stop()
	}

	if m.forkDB != nil {
		if err := m.forkDB.Close(); err != nil {
			log.Printf("Error closing fork store: %v", err)
		}
	}
	if m.checkpointDB != nil {
		if err := m.checkpointDB.Close(); err != nil {
			log.Printf("Error closing checkpoint store: %v", err)
		}
	}

	if m.natsConn != nil {
		log.Println("Closing NATS connection...")
		m.natsConn.Close()
	}

	if m.mongoClient != nil {
		if err := m.mongoClient.Disconnect(ctx); err != nil {
			log.Printf("Error disconnecting MongoDB: %v", err)
		}
	}
}
