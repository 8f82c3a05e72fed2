package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/db"
)

// Store provides persistence for service integrations.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create inserts a new service integration.
func (s *Store) Create(ctx context.Context, svc *Service) error {
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	svc.CreatedAt = time.Now().UTC()
	if svc.Scopes == nil {
		svc.Scopes = []Scope{}
	}

	scopesJSON, err := json.Marshal(svc.Scopes)
	if err != nil {
		return fmt.Errorf("marshalling scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_integrations (id, name, service_type, scopes, active, icon, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		svc.ID, svc.Name, svc.ServiceType, string(scopesJSON), boolToInt(svc.Active), svc.Icon, svc.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating service integration: %w", db.Storage(err))
	}
	return nil
}

// Get retrieves a service integration by id.
func (s *Store) Get(ctx context.Context, id string) (*Service, error) {
	var svc *Service
	err := db.Retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, name, service_type, scopes, active, icon, created_at
			FROM service_integrations WHERE id = ?`, id)
		got, err := scanService(row)
		if err != nil {
			return err
		}
		svc = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting service integration: %w", err)
	}
	return svc, nil
}

// List returns service integrations; activeOnly restricts to active ones.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]Service, error) {
	query := `SELECT id, name, service_type, scopes, active, icon, created_at FROM service_integrations`
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY name"

	var services []Service
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("listing service integrations: %w", err)
		}
		defer rows.Close()

		services = services[:0]
		for rows.Next() {
			svc, err := scanService(rows)
			if err != nil {
				return err
			}
			services = append(services, *svc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return services, nil
}

// Seed inserts the built-in service catalog if the table is empty.
func (s *Store) Seed(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_integrations`).Scan(&count); err != nil {
		return fmt.Errorf("counting service integrations: %w", err)
	}
	if count > 0 {
		return nil
	}
	for i := range builtinCatalog {
		svc := builtinCatalog[i]
		if err := s.Create(ctx, &svc); err != nil {
			return err
		}
	}
	return nil
}

func scanService(sc interface{ Scan(...any) error }) (*Service, error) {
	var (
		svc        Service
		scopesJSON string
		active     int
	)
	err := sc.Scan(&svc.ID, &svc.Name, &svc.ServiceType, &scopesJSON, &active, &svc.Icon, &svc.CreatedAt)
	if err != nil {
		return nil, err
	}
	svc.Active = active != 0
	if err := json.Unmarshal([]byte(scopesJSON), &svc.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshalling scopes: %w", err)
	}
	return &svc, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
