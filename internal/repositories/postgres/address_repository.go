package postgres

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/repositories"
)

// AddressRepository resolves address book entries.
type AddressRepository struct {
	db *sql.DB
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs an AddressRepository.
func NewAddressRepository(db *sql.DB) (*AddressRepository, error) {
	if db == nil {
		return nil, errors.New("address repository: database is required")
	}
	return &AddressRepository{db: db}, nil
}

// FindByID returns the entry only when it belongs to userID.
func (r *AddressRepository) FindByID(ctx context.Context, userID string, addressID int64) (domain.AddressBookEntry, error) {
	var entry domain.AddressBookEntry
	err := conn(ctx, r.db).QueryRowContext(ctx, `SELECT id, user_id, consignee, phone, province_name, city_name,
district_name, detail, label FROM address_book WHERE id = $1 AND user_id = $2`, addressID, userID).Scan(
		&entry.ID, &entry.UserID, &entry.Consignee, &entry.Phone, &entry.Province, &entry.City, &entry.District,
		&entry.Detail, &entry.Label)
	if err != nil {
		return domain.AddressBookEntry{}, WrapError("address_book.find", err)
	}
	return entry, nil
}
