// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package directory reads clients, jobs and vendors from the business record
// store. The tables are owned by the main application; this package only
// reads them, apart from job status updates.
//
// Expected tables:
//
//	clients(id, name)
//	client_emails(client_id, address, purpose)
//	jobs(id, name, client_id, status)
//	vendors(id, name, email)
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Email purposes stored on client addresses.
const (
	PurposeJob     = "JOB"
	PurposeBilling = "BILLING"
)

// ErrNoRows is returned by UpdateJobStatus when the job does not exist.
var ErrNoRows = errors.New("directory: no matching row")

// ClientEmail is one stored address of a client.
type ClientEmail struct {
	Address string
	Purpose string
}

// Client is a customer of the tenant.
type Client struct {
	ID     string
	Name   string
	Emails []ClientEmail
}

// EmailsFor returns the client's addresses with the given purpose, in
// stored order.
func (c *Client) EmailsFor(purpose string) []string {
	var out []string
	for _, e := range c.Emails {
		if strings.EqualFold(e.Purpose, purpose) && e.Address != "" {
			out = append(out, e.Address)
		}
	}
	return out
}

// Job is an order placed by a client.
type Job struct {
	ID       string
	Name     string
	ClientID string
	Status   string
}

// Vendor supplies work for jobs.
type Vendor struct {
	ID    string
	Name  string
	Email string
}

// Postgres implements directory lookups over a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a directory reader on pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// FindClientsByEmail returns every client with a stored address equal to
// address, ignoring case. Each returned client carries all of its addresses.
func (p *Postgres) FindClientsByEmail(ctx context.Context, address string) ([]Client, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT c.id::text, c.name
		FROM clients c
		JOIN client_emails e ON e.client_id = c.id
		WHERE lower(e.address) = lower($1)
		ORDER BY 1
	`, address)
	if err != nil {
		return nil, fmt.Errorf("find clients by email: %w", err)
	}
	clients, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Client, error) {
		var c Client
		err := row.Scan(&c.ID, &c.Name)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan clients: %w", err)
	}

	for i := range clients {
		if clients[i].Emails, err = p.clientEmails(ctx, clients[i].ID); err != nil {
			return nil, err
		}
	}
	return clients, nil
}

// FindClientByID returns the client, or nil with no error when absent.
func (p *Postgres) FindClientByID(ctx context.Context, id string) (*Client, error) {
	var c Client
	err := p.pool.QueryRow(ctx, `SELECT id::text, name FROM clients WHERE id::text = $1`, id).Scan(&c.ID, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find client %s: %w", id, err)
	}
	if c.Emails, err = p.clientEmails(ctx, c.ID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) clientEmails(ctx context.Context, clientID string) ([]ClientEmail, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT address, purpose FROM client_emails
		WHERE client_id::text = $1
		ORDER BY address
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list client emails: %w", err)
	}
	emails, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ClientEmail])
	if err != nil {
		return nil, fmt.Errorf("scan client emails: %w", err)
	}
	return emails, nil
}

// FindJobByID returns the job, or nil with no error when absent.
func (p *Postgres) FindJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, name, client_id::text, status FROM jobs WHERE id::text = $1
	`, id).Scan(&j.ID, &j.Name, &j.ClientID, &j.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", id, err)
	}
	return &j, nil
}

// FindVendorByID returns the vendor, or nil with no error when absent.
func (p *Postgres) FindVendorByID(ctx context.Context, id string) (*Vendor, error) {
	var v Vendor
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, name, email FROM vendors WHERE id::text = $1
	`, id).Scan(&v.ID, &v.Name, &v.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find vendor %s: %w", id, err)
	}
	return &v, nil
}

// UpdateJobStatus sets the status of a job.
func (p *Postgres) UpdateJobStatus(ctx context.Context, id, status string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE jobs SET status = $1 WHERE id::text = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update job %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s status: %w", id, ErrNoRows)
	}
	return nil
}
