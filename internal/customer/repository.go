package customer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"store-gateway/internal/fieldcrypt"
)

// ErrNotFound is returned when no customer matches the lookup.
var ErrNotFound = errors.New("customer not found")

const table = "customers"

// Repository persists customers with their PII columns encrypted through the
// field cipher. The plaintext never reaches the database.
type Repository struct {
	db     *sql.DB
	cipher *fieldcrypt.Cipher
}

func NewRepository(db *sql.DB, cipher *fieldcrypt.Cipher) *Repository {
	return &Repository{db: db, cipher: cipher}
}

func (r *Repository) Create(ctx context.Context, input CustomerInput) (Customer, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Customer{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	c := Customer{
		ID:        id.String(),
		Name:      input.Name,
		Email:     strings.TrimSpace(strings.ToLower(input.Email)),
		Phone:     strings.TrimSpace(input.Phone),
		Address:   strings.TrimSpace(input.Address),
		CreatedAt: now,
		UpdatedAt: now,
	}

	record, err := r.cipher.EncryptRecord(table, map[string]string{
		"email":   c.Email,
		"phone":   c.Phone,
		"address": c.Address,
	})
	if err != nil {
		return Customer{}, fmt.Errorf("encrypt customer fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, phone, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.Name, record["email"], record["phone"], record["address"], c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return Customer{}, fmt.Errorf("insert customer: %w", err)
	}

	return c, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (Customer, error) {
	var c Customer
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, address, created_at, updated_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Customer{}, ErrNotFound
		}
		return Customer{}, fmt.Errorf("query customer: %w", err)
	}

	return r.decrypt(c), nil
}

func (r *Repository) List(ctx context.Context) ([]Customer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, email, phone, address, created_at, updated_at
		FROM customers
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query customers: %w", err)
	}
	defer rows.Close()

	customers := make([]Customer, 0)
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, r.decrypt(c))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customers: %w", err)
	}

	return customers, nil
}

// FindByEmail scans the whole table and compares after decryption. Ciphertext
// is randomized per value, so an index on the email column cannot serve
// equality lookups; the O(n) cost is the accepted price of confidentiality.
// Do not replace this with deterministic encryption to make it indexable.
func (r *Repository) FindByEmail(ctx context.Context, email string) (Customer, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, email, phone, address, created_at, updated_at
		FROM customers
	`)
	if err != nil {
		return Customer{}, fmt.Errorf("scan customers by email: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return Customer{}, fmt.Errorf("scan customer: %w", err)
		}
		if decrypted := r.decrypt(c); decrypted.Email == email {
			return decrypted, nil
		}
	}

	if err := rows.Err(); err != nil {
		return Customer{}, fmt.Errorf("iterate customers: %w", err)
	}

	return Customer{}, ErrNotFound
}

func (r *Repository) Update(ctx context.Context, id string, input CustomerInput) (Customer, error) {
	now := time.Now().UTC()

	record, err := r.cipher.EncryptRecord(table, map[string]string{
		"email":   strings.TrimSpace(strings.ToLower(input.Email)),
		"phone":   strings.TrimSpace(input.Phone),
		"address": strings.TrimSpace(input.Address),
	})
	if err != nil {
		return Customer{}, fmt.Errorf("encrypt customer fields: %w", err)
	}

	var c Customer
	err = r.db.QueryRowContext(ctx, `
		UPDATE customers
		SET name = $2, email = $3, phone = $4, address = $5, updated_at = $6
		WHERE id = $1
		RETURNING id, name, email, phone, address, created_at, updated_at
	`, id, input.Name, record["email"], record["phone"], record["address"], now).
		Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Customer{}, ErrNotFound
		}
		return Customer{}, fmt.Errorf("update customer: %w", err)
	}

	return r.decrypt(c), nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) decrypt(c Customer) Customer {
	record := r.cipher.DecryptRecord(table, map[string]string{
		"email":   c.Email,
		"phone":   c.Phone,
		"address": c.Address,
	})
	c.Email = record["email"]
	c.Phone = record["phone"]
	c.Address = record["address"]
	return c
}
