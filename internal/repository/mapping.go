package repository

import (
	"context"
	"database/sql"

	"github.com/equipsync/equipsync-go/internal/mapping"
)

// MappingStore reads the field-mapping configuration authored by the
// mapping editor. This core never writes it.
type MappingStore struct {
	db *sql.DB
}

// NewMappingStore creates a new MappingStore.
func NewMappingStore(db *sql.DB) *MappingStore {
	return &MappingStore{db: db}
}

// GetMapping returns the rule set for an endpoint. A nil mapping with no
// error means no rules are configured; the resolver turns that into
// ErrMappingMissing.
func (s *MappingStore) GetMapping(ctx context.Context, endpointID string) (*mapping.Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, remote_field, local_field, kind
			FROM field_mappings WHERE endpoint_id = ? ORDER BY remote_field ASC`, endpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := &mapping.Mapping{EndpointID: endpointID}
	for rows.Next() {
		var rule mapping.FieldRule
		if err := rows.Scan(&m.EntityType, &rule.RemoteField, &rule.LocalField, &rule.Kind); err != nil {
			return nil, err
		}
		m.Rules = append(m.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(m.Rules) == 0 {
		return nil, nil
	}
	return m, nil
}
