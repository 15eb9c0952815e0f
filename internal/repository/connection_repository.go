package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/unclebandit/wa-gateway/internal/model"
)

// ConnectionRepositoryInterface reads businesses and their provider connections.
// Both are written by the settings layer, never by the gateway.
type ConnectionRepositoryInterface interface {
	GetBusiness(ctx context.Context, id int) (*model.Business, error)
	GetByBusinessID(ctx context.Context, businessID int) (*model.Connection, error)
	GetByID(ctx context.Context, id int) (*model.Connection, error)
}

type ConnectionRepository struct {
	DB *sql.DB
}

// GetBusiness returns nil, nil when the business does not exist.
func (r *ConnectionRepository) GetBusiness(ctx context.Context, id int) (*model.Business, error) {
	var b model.Business
	err := r.DB.QueryRowContext(ctx, `SELECT id, name FROM businesses WHERE id = $1`, id).Scan(&b.ID, &b.Name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

const connectionColumns = `id, business_id, provider, phone_number, phone_number_id, credentials`

// GetByBusinessID returns nil, nil when the business has no connection.
func (r *ConnectionRepository) GetByBusinessID(ctx context.Context, businessID int) (*model.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE business_id = $1 ORDER BY id DESC LIMIT 1`
	return r.scanOne(r.DB.QueryRowContext(ctx, query, businessID))
}

// GetByID returns nil, nil when the connection does not exist.
func (r *ConnectionRepository) GetByID(ctx context.Context, id int) (*model.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`
	return r.scanOne(r.DB.QueryRowContext(ctx, query, id))
}

func (r *ConnectionRepository) scanOne(row *sql.Row) (*model.Connection, error) {
	var c model.Connection
	var phoneNumberID sql.NullString
	var creds []byte
	if err := row.Scan(&c.ID, &c.BusinessID, &c.Provider, &c.PhoneNumber, &phoneNumberID, &creds); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.PhoneNumberID = phoneNumberID.String
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &c.Credentials); err != nil {
			return nil, fmt.Errorf("decode credentials for connection %d: %w", c.ID, err)
		}
	}
	return &c, nil
}

var _ ConnectionRepositoryInterface = (*ConnectionRepository)(nil)
