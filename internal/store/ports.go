package store

import (
	"fmt"
)

// UpsertPortMapping sets the container port published on (sessionID,
// hostPort), replacing any previous mapping for that pair.
func (s *Store) UpsertPortMapping(sessionID string, hostPort, containerPort int) error {
	if hostPort < 1 || hostPort > 65535 || containerPort < 1 || containerPort > 65535 {
		return fmt.Errorf("port out of range: host=%d container=%d", hostPort, containerPort)
	}
	_, err := s.db.Exec(`
		INSERT INTO port_mappings (session_id, host_port, container_port)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id, host_port) DO UPDATE SET container_port = excluded.container_port
	`, sessionID, hostPort, containerPort)
	if err != nil {
		return fmt.Errorf("upserting port mapping: %w", err)
	}
	return nil
}

// PortMappingsBySession returns a session's published ports.
func (s *Store) PortMappingsBySession(sessionID string) ([]*PortMapping, error) {
	rows, err := s.db.Query(`
		SELECT session_id, host_port, container_port
		FROM port_mappings WHERE session_id = ? ORDER BY host_port
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying port mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*PortMapping
	for rows.Next() {
		var m PortMapping
		if err := rows.Scan(&m.SessionID, &m.HostPort, &m.ContainerPort); err != nil {
			return nil, fmt.Errorf("scanning port mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// UsedHostPorts returns every host port currently claimed by any session.
func (s *Store) UsedHostPorts() (map[int]bool, error) {
	rows, err := s.db.Query(`SELECT DISTINCT host_port FROM port_mappings`)
	if err != nil {
		return nil, fmt.Errorf("querying host ports: %w", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning host port: %w", err)
		}
		used[p] = true
	}
	return used, rows.Err()
}

// DeletePortMappings drops all mappings for a session.
func (s *Store) DeletePortMappings(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM port_mappings WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting port mappings: %w", err)
	}
	return nil
}
