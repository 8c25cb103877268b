package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/nmxmxh/fundpulse/internal/repository"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

const seededMarker = "seeded"

const campaignColumns = `id, title, organizer, category, location, target_amount, current_amount,
	end_date, is_active, is_approved, is_featured, is_rejected, is_archived, is_completed,
	is_simulation, created_at, updated_at`

// Gateway stores campaigns and donations in Postgres. Amount increments are
// single UPDATE statements so concurrent donations never lose an update.
type Gateway struct {
	db  *sql.DB
	log *zap.Logger
}

var _ repository.Gateway = (*Gateway)(nil)

func New(db *sql.DB, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{db: db, log: log.With(zap.String("module", "postgres_gateway"))}
}

// Migrate creates the tables when they are missing.
func (g *Gateway) Migrate(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*repository.Campaign, error) {
	var (
		c       repository.Campaign
		endDate sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.Title, &c.Organizer, &c.Category, &c.Location,
		&c.TargetAmount, &c.CurrentAmount, &endDate,
		&c.IsActive, &c.IsApproved, &c.IsFeatured, &c.IsRejected, &c.IsArchived,
		&c.IsCompleted, &c.IsSimulation, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endDate.Valid {
		c.EndDate = endDate.Time.UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (g *Gateway) CreateCampaign(ctx context.Context, c *repository.Campaign) (*repository.Campaign, error) {
	if c == nil || strings.TrimSpace(c.Title) == "" || !(c.TargetAmount > 0) || c.CurrentAmount != 0 {
		return nil, repository.ErrInvalidCampaign
	}
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var endDate sql.NullTime
	if !c.EndDate.IsZero() {
		endDate = sql.NullTime{Time: c.EndDate, Valid: true}
	}

	query := `
		INSERT INTO campaigns (
			id, title, organizer, category, location, target_amount, current_amount,
			end_date, is_active, is_approved, is_featured, is_rejected, is_archived,
			is_completed, is_simulation, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		RETURNING ` + campaignColumns

	out, err := scanCampaign(g.db.QueryRowContext(ctx, query,
		id, c.Title, c.Organizer, c.Category, c.Location,
		repository.RoundCents(c.TargetAmount), repository.RoundCents(c.CurrentAmount), endDate,
		c.IsActive, c.IsApproved, c.IsFeatured, c.IsRejected, c.IsArchived,
		c.IsCompleted, c.IsSimulation, createdAt,
	))
	if err != nil {
		return nil, g.classify("create campaign", err)
	}
	return out, nil
}

func (g *Gateway) GetCampaign(ctx context.Context, id string) (*repository.Campaign, error) {
	out, err := scanCampaign(g.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrCampaignNotFound
	}
	if err != nil {
		return nil, g.classify("get campaign", err)
	}
	return out, nil
}

func (g *Gateway) ListActiveCampaigns(ctx context.Context) ([]*repository.Campaign, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE is_active AND NOT is_completed
		ORDER BY created_at, id`)
	if err != nil {
		return nil, g.classify("list active campaigns", err)
	}
	defer rows.Close()

	var out []*repository.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, g.classify("scan campaign", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, g.classify("list active campaigns", err)
	}
	return out, nil
}

// ApplyDonation increments the campaign and inserts the donation in one
// transaction. The increment is done by the database, never read-then-write.
func (g *Gateway) ApplyDonation(ctx context.Context, d *repository.Donation) (*repository.Campaign, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	stored := *d
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.Amount = repository.RoundCents(stored.Amount)
	stored.Status = repository.DonationCompleted

	var updated *repository.Campaign
	err := repository.WithTransaction(ctx, g.db, nil, func(tx *sql.Tx) error {
		c, err := scanCampaign(tx.QueryRowContext(ctx, `
			UPDATE campaigns
			SET current_amount = current_amount + $2, updated_at = now()
			WHERE id = $1 AND NOT is_rejected AND NOT is_archived
			RETURNING `+campaignColumns, stored.CampaignID, stored.Amount))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1)`, stored.CampaignID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return repository.ErrCampaignNotFound
			}
			return repository.ErrCampaignClosed
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO donations (
				id, campaign_id, amount, donor_id, donor_name, is_anonymous,
				message, payment_method, is_simulation, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			stored.ID, stored.CampaignID, stored.Amount, stored.DonorID, stored.DonorName, stored.IsAnonymous,
			stored.Message, stored.PaymentMethod, stored.IsSimulation, string(stored.Status), stored.CreatedAt,
		)
		if err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, g.classify("apply donation", err)
	}
	*d = stored
	return updated, nil
}

func (g *Gateway) MarkCompleted(ctx context.Context, id string) (bool, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE campaigns
		SET is_completed = TRUE, is_active = FALSE, updated_at = now()
		WHERE id = $1 AND NOT is_completed AND current_amount >= target_amount`, id)
	if err != nil {
		return false, g.classify("mark completed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, g.classify("mark completed", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := g.GetCampaign(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (g *Gateway) SumDonations(ctx context.Context, campaignID string) (float64, error) {
	var (
		exists bool
		sum    float64
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM campaigns WHERE id = $1),
			COALESCE((SELECT SUM(amount) FROM donations WHERE campaign_id = $1 AND status <> 'voided'), 0)`,
		campaignID).Scan(&exists, &sum)
	if err != nil {
		return 0, g.classify("sum donations", err)
	}
	if !exists {
		return 0, repository.ErrCampaignNotFound
	}
	return sum, nil
}

func (g *Gateway) Totals(ctx context.Context) (repository.Totals, error) {
	var t repository.Totals
	err := g.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM campaigns),
			(SELECT COUNT(*) FROM campaigns WHERE is_active),
			(SELECT COUNT(*) FROM donations WHERE status <> 'voided'),
			COALESCE((SELECT SUM(amount) FROM donations WHERE status <> 'voided'), 0)`,
	).Scan(&t.TotalCampaigns, &t.ActiveCampaigns, &t.TotalDonations, &t.TotalAmountRaised)
	if err != nil {
		return repository.Totals{}, g.classify("totals", err)
	}
	return t, nil
}

func (g *Gateway) SimulationCounts(ctx context.Context) (repository.SimulationCounts, error) {
	var out repository.SimulationCounts
	err := g.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM campaigns WHERE is_simulation),
			(SELECT COUNT(*) FROM donations WHERE is_simulation AND status <> 'voided'),
			COALESCE((SELECT SUM(amount) FROM donations WHERE is_simulation AND status <> 'voided'), 0),
			EXISTS (SELECT 1 FROM simulation_markers WHERE name = $1)`, seededMarker,
	).Scan(&out.Campaigns, &out.Donations, &out.Amount, &out.Seeded)
	if err != nil {
		return repository.SimulationCounts{}, g.classify("simulation counts", err)
	}
	return out, nil
}

func (g *Gateway) MarkSeeded(ctx context.Context) error {
	res, err := g.db.ExecContext(ctx,
		`INSERT INTO simulation_markers (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, seededMarker)
	if err != nil {
		return g.classify("mark seeded", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return g.classify("mark seeded", err)
	}
	if n == 0 {
		return repository.ErrAlreadySeeded
	}
	return nil
}

// ClearSimulation removes simulated records. Simulated donations to real
// campaigns are subtracted from those campaigns before they are deleted, and
// completed campaigns left below target are reopened.
func (g *Gateway) ClearSimulation(ctx context.Context) (repository.ClearResult, error) {
	var res repository.ClearResult
	err := repository.WithTransaction(ctx, g.db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns c
			SET current_amount = c.current_amount - s.total, updated_at = now()
			FROM (
				SELECT campaign_id, SUM(amount) AS total
				FROM donations
				WHERE is_simulation AND status <> 'voided'
				GROUP BY campaign_id
			) s
			WHERE c.id = s.campaign_id AND NOT c.is_simulation`); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns
			SET is_completed = FALSE,
			    is_active = is_approved AND NOT is_rejected AND NOT is_archived,
			    updated_at = now()
			WHERE is_completed AND NOT is_simulation AND current_amount < target_amount`); err != nil {
			return err
		}

		r, err := tx.ExecContext(ctx, `
			DELETE FROM donations
			WHERE is_simulation OR campaign_id IN (SELECT id FROM campaigns WHERE is_simulation)`)
		if err != nil {
			return err
		}
		if res.Donations, err = r.RowsAffected(); err != nil {
			return err
		}

		r, err = tx.ExecContext(ctx, `DELETE FROM campaigns WHERE is_simulation`)
		if err != nil {
			return err
		}
		if res.Campaigns, err = r.RowsAffected(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM simulation_markers WHERE name = $1`, seededMarker)
		return err
	})
	if err != nil {
		return repository.ClearResult{}, g.classify("clear simulation", err)
	}
	return res, nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

// classify maps driver errors onto repository sentinels. Serialization
// failures and deadlocks become ErrConflict so callers retry them.
func (g *Gateway) classify(op string, err error) error {
	if repository.IsDomainError(err) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %v", op, repository.ErrConflict, err)
		case "23514", "22003":
			return fmt.Errorf("%s: %w: %v", op, repository.ErrInvalidDonation, err)
		}
	}
	g.log.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w: %v", op, repository.ErrUnavailable, err)
}
