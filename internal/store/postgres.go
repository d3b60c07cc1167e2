package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Postgres is the production Store. Coarse locks map onto transaction-scoped
// advisory locks so the fixed lock order is enforced server-side as well.
type Postgres struct {
	db *sql.DB
}

// advisoryNamespace keeps our advisory lock keys out of the way of other
// applications sharing the database.
const advisoryNamespace = int32(0x70726f66) // "prof"

// OpenPostgres connects, pings, and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

// InTx opens a transaction, takes the requested advisory locks in order,
// runs fn, and commits when fn returns nil.
func (p *Postgres) InTx(ctx context.Context, locks []Lock, fn func(tx Tx) error) error {
	if !OrderedLocks(locks) {
		return fmt.Errorf("%w: %v", ErrLockOrder, locks)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, l := range locks {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1, $2)", advisoryNamespace, int32(l)); err != nil {
			return fmt.Errorf("acquire %s lock: %w", l, err)
		}
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

type pgTx struct {
	tx *sql.Tx
}

// likePattern converts a '*' wildcard into a LIKE pattern, escaping LIKE
// metacharacters in the literal parts.
func likePattern(wildcard string) string {
	if wildcard == "" {
		return "%"
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	escaped := r.Replace(wildcard)
	return strings.ReplaceAll(escaped, "*", "%")
}

func mapInsertErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrAlreadyExists
	}
	return err
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const hostedColumns = `identity_id, public_key, version, name, type, latitude, longitude,
	extra_data, profile_image_id, thumbnail_image_id, hosting_redirect, expiration_at`

func scanHosted(row interface{ Scan(...any) error }) (*HostedIdentity, error) {
	var h HostedIdentity
	var redirect []byte
	var expiration sql.NullTime
	err := row.Scan(&h.IdentityID, &h.PublicKey, &h.Version, &h.Name, &h.Type,
		&h.Latitude, &h.Longitude, &h.ExtraData, &h.ProfileImageID,
		&h.ThumbnailImageID, &redirect, &expiration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h.HostingRedirectID = redirect
	if expiration.Valid {
		t := expiration.Time
		h.ExpirationAt = &t
	}
	return &h, nil
}

func (t *pgTx) CountHosted(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM hosted_identities").Scan(&n)
	return n, err
}

func (t *pgTx) GetHosted(ctx context.Context, identityID []byte) (*HostedIdentity, error) {
	row := t.tx.QueryRowContext(ctx,
		"SELECT "+hostedColumns+" FROM hosted_identities WHERE identity_id = $1", identityID)
	return scanHosted(row)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (t *pgTx) InsertHosted(ctx context.Context, h *HostedIdentity) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO hosted_identities (`+hostedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		h.IdentityID, h.PublicKey, h.Version, h.Name, h.Type, h.Latitude, h.Longitude,
		h.ExtraData, h.ProfileImageID, h.ThumbnailImageID,
		nullableBytes(h.HostingRedirectID), nullableTime(h.ExpirationAt))
	return mapInsertErr(err)
}

func (t *pgTx) UpdateHosted(ctx context.Context, h *HostedIdentity) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE hosted_identities SET public_key = $2, version = $3, name = $4,
			type = $5, latitude = $6, longitude = $7, extra_data = $8,
			profile_image_id = $9, thumbnail_image_id = $10,
			hosting_redirect = $11, expiration_at = $12
		WHERE identity_id = $1`,
		h.IdentityID, h.PublicKey, h.Version, h.Name, h.Type, h.Latitude, h.Longitude,
		h.ExtraData, h.ProfileImageID, h.ThumbnailImageID,
		nullableBytes(h.HostingRedirectID), nullableTime(h.ExpirationAt))
	return affectedOrNotFound(res, err)
}

func (t *pgTx) DeleteHosted(ctx context.Context, identityID []byte) error {
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM hosted_identities WHERE identity_id = $1", identityID)
	return affectedOrNotFound(res, err)
}

func (t *pgTx) listHosted(ctx context.Context, query string, args ...any) ([]*HostedIdentity, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HostedIdentity
	for rows.Next() {
		h, err := scanHosted(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (t *pgTx) ListInitializedHosted(ctx context.Context, now time.Time) ([]*HostedIdentity, error) {
	return t.listHosted(ctx, `
		SELECT `+hostedColumns+` FROM hosted_identities
		WHERE version <> '\x000000' AND expiration_at IS NULL
		ORDER BY identity_id`)
}

func (t *pgTx) ListExpiredHosted(ctx context.Context, now time.Time) ([]*HostedIdentity, error) {
	return t.listHosted(ctx, `
		SELECT `+hostedColumns+` FROM hosted_identities
		WHERE expiration_at IS NOT NULL AND expiration_at < $1
		ORDER BY identity_id`, now)
}

func (t *pgTx) SearchHosted(ctx context.Context, q SearchQuery, offset, limit int) ([]*HostedIdentity, error) {
	var sb strings.Builder
	sb.WriteString("SELECT " + hostedColumns + ` FROM hosted_identities
		WHERE version <> '\x000000' AND name ILIKE $1 AND type ILIKE $2`)
	args := []any{likePattern(q.Name), likePattern(q.Type)}

	if q.HasLocation {
		args = append(args, q.MinLat, q.MaxLat)
		sb.WriteString(fmt.Sprintf(" AND latitude BETWEEN $%d AND $%d", len(args)-1, len(args)))
		if q.MinLon <= q.MaxLon {
			args = append(args, q.MinLon, q.MaxLon)
			sb.WriteString(fmt.Sprintf(" AND longitude BETWEEN $%d AND $%d", len(args)-1, len(args)))
		} else {
			// Bounding box wraps the antimeridian.
			args = append(args, q.MinLon, q.MaxLon)
			sb.WriteString(fmt.Sprintf(" AND (longitude >= $%d OR longitude <= $%d)", len(args)-1, len(args)))
		}
	}
	sb.WriteString(" ORDER BY identity_id")
	// limit <= 0 means unbounded.
	if limit > 0 {
		args = append(args, limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	args = append(args, offset)
	sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))
	return t.listHosted(ctx, sb.String(), args...)
}

const neighborIdentColumns = `identity_id, hosting_server_id, version, name, type,
	latitude, longitude, extra_data, thumbnail_image_id`

func scanNeighborIdent(row interface{ Scan(...any) error }) (*NeighborIdentity, error) {
	var n NeighborIdentity
	err := row.Scan(&n.IdentityID, &n.HostingServerID, &n.Version, &n.Name, &n.Type,
		&n.Latitude, &n.Longitude, &n.ExtraData, &n.ThumbnailImageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (t *pgTx) GetNeighborIdentity(ctx context.Context, identityID, neighborID []byte) (*NeighborIdentity, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+neighborIdentColumns+` FROM neighbor_identities
		WHERE identity_id = $1 AND hosting_server_id = $2`, identityID, neighborID)
	return scanNeighborIdent(row)
}

func (t *pgTx) InsertNeighborIdentity(ctx context.Context, n *NeighborIdentity) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO neighbor_identities (`+neighborIdentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.IdentityID, n.HostingServerID, n.Version, n.Name, n.Type,
		n.Latitude, n.Longitude, n.ExtraData, n.ThumbnailImageID)
	return mapInsertErr(err)
}

func (t *pgTx) UpdateNeighborIdentity(ctx context.Context, n *NeighborIdentity) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE neighbor_identities SET version = $3, name = $4, type = $5,
			latitude = $6, longitude = $7, extra_data = $8, thumbnail_image_id = $9
		WHERE identity_id = $1 AND hosting_server_id = $2`,
		n.IdentityID, n.HostingServerID, n.Version, n.Name, n.Type,
		n.Latitude, n.Longitude, n.ExtraData, n.ThumbnailImageID)
	return affectedOrNotFound(res, err)
}

func (t *pgTx) DeleteNeighborIdentity(ctx context.Context, identityID, neighborID []byte) error {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM neighbor_identities WHERE identity_id = $1 AND hosting_server_id = $2`,
		identityID, neighborID)
	return affectedOrNotFound(res, err)
}

func (t *pgTx) DeleteNeighborIdentities(ctx context.Context, neighborID []byte) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM neighbor_identities WHERE hosting_server_id = $1", neighborID)
	return err
}

func (t *pgTx) SearchNeighborIdentities(ctx context.Context, q SearchQuery, offset, limit int) ([]*NeighborIdentity, error) {
	var sb strings.Builder
	sb.WriteString("SELECT " + neighborIdentColumns + ` FROM neighbor_identities
		WHERE name ILIKE $1 AND type ILIKE $2`)
	args := []any{likePattern(q.Name), likePattern(q.Type)}

	if q.HasLocation {
		args = append(args, q.MinLat, q.MaxLat)
		sb.WriteString(fmt.Sprintf(" AND latitude BETWEEN $%d AND $%d", len(args)-1, len(args)))
		if q.MinLon <= q.MaxLon {
			args = append(args, q.MinLon, q.MaxLon)
			sb.WriteString(fmt.Sprintf(" AND longitude BETWEEN $%d AND $%d", len(args)-1, len(args)))
		} else {
			args = append(args, q.MinLon, q.MaxLon)
			sb.WriteString(fmt.Sprintf(" AND (longitude >= $%d OR longitude <= $%d)", len(args)-1, len(args)))
		}
	}
	sb.WriteString(" ORDER BY identity_id, hosting_server_id")
	if limit > 0 {
		args = append(args, limit)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	args = append(args, offset)
	sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))

	rows, err := t.tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NeighborIdentity
	for rows.Next() {
		n, err := scanNeighborIdent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanFollower(row interface{ Scan(...any) error }) (*Follower, error) {
	var f Follower
	var refresh sql.NullTime
	err := row.Scan(&f.FollowerID, &f.IP, &f.PrimaryPort, &f.NeighborPort, &refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if refresh.Valid {
		t := refresh.Time
		f.LastRefreshAt = &t
	}
	return &f, nil
}

func (t *pgTx) GetFollower(ctx context.Context, followerID []byte) (*Follower, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT follower_id, ip, primary_port, neighbor_port, last_refresh_at
		FROM followers WHERE follower_id = $1`, followerID)
	return scanFollower(row)
}

func (t *pgTx) ListFollowers(ctx context.Context) ([]*Follower, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT follower_id, ip, primary_port, neighbor_port, last_refresh_at
		FROM followers ORDER BY follower_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (t *pgTx) CountFollowers(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM followers").Scan(&n)
	return n, err
}

func (t *pgTx) CountInitializingFollowers(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM followers WHERE last_refresh_at IS NULL").Scan(&n)
	return n, err
}

func (t *pgTx) InsertFollower(ctx context.Context, f *Follower) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO followers (follower_id, ip, primary_port, neighbor_port, last_refresh_at)
		VALUES ($1, $2, $3, $4, $5)`,
		f.FollowerID, f.IP, f.PrimaryPort, f.NeighborPort, nullableTime(f.LastRefreshAt))
	return mapInsertErr(err)
}

func (t *pgTx) SetFollowerRefreshed(ctx context.Context, followerID []byte, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE followers SET last_refresh_at = $2 WHERE follower_id = $1", followerID, at)
	return affectedOrNotFound(res, err)
}

func (t *pgTx) DeleteFollower(ctx context.Context, followerID []byte) error {
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM followers WHERE follower_id = $1", followerID)
	return affectedOrNotFound(res, err)
}

func (t *pgTx) GetNeighbor(ctx context.Context, neighborID []byte) (*Neighbor, error) {
	var n Neighbor
	var refresh sql.NullTime
	err := t.tx.QueryRowContext(ctx,
		"SELECT neighbor_id, last_refresh_at FROM neighbors WHERE neighbor_id = $1",
		neighborID).Scan(&n.NeighborID, &refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if refresh.Valid {
		t := refresh.Time
		n.LastRefreshAt = &t
	}
	return &n, nil
}

func (t *pgTx) ListNeighbors(ctx context.Context) ([]*Neighbor, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT neighbor_id, last_refresh_at FROM neighbors ORDER BY neighbor_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Neighbor
	for rows.Next() {
		var n Neighbor
		var refresh sql.NullTime
		if err := rows.Scan(&n.NeighborID, &refresh); err != nil {
			return nil, err
		}
		if refresh.Valid {
			t := refresh.Time
			n.LastRefreshAt = &t
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertNeighbor(ctx context.Context, n *Neighbor) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO neighbors (neighbor_id, last_refresh_at) VALUES ($1, $2)
		ON CONFLICT (neighbor_id) DO UPDATE SET last_refresh_at = EXCLUDED.last_refresh_at`,
		n.NeighborID, nullableTime(n.LastRefreshAt))
	return err
}

func (t *pgTx) SetNeighborRefreshed(ctx context.Context, neighborID []byte, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE neighbors SET last_refresh_at = $2 WHERE neighbor_id = $1", neighborID, at)
	return affectedOrNotFound(res, err)
}

func (t *pgTx) DeleteNeighbor(ctx context.Context, neighborID []byte) error {
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM neighbors WHERE neighbor_id = $1", neighborID)
	return affectedOrNotFound(res, err)
}

const cardColumns = `identity_id, application_id, card_id, card_version, issuer_public_key,
	recipient_public_key, type, valid_from, valid_to, issuer_signature, recipient_signature`

func scanCard(row interface{ Scan(...any) error }) (*RelatedCard, error) {
	var c RelatedCard
	err := row.Scan(&c.IdentityID, &c.ApplicationID, &c.CardID, &c.CardVersion,
		&c.IssuerPublicKey, &c.RecipientPublicKey, &c.Type, &c.ValidFrom, &c.ValidTo,
		&c.IssuerSignature, &c.RecipientSignature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) ListCards(ctx context.Context, identityID []byte) ([]*RelatedCard, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+cardColumns+` FROM related_cards
		WHERE identity_id = $1 ORDER BY application_id`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RelatedCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) CountCardApplications(ctx context.Context, identityID []byte) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM related_cards WHERE identity_id = $1", identityID).Scan(&n)
	return n, err
}

func (t *pgTx) GetCard(ctx context.Context, identityID, applicationID []byte) (*RelatedCard, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+cardColumns+` FROM related_cards
		WHERE identity_id = $1 AND application_id = $2`, identityID, applicationID)
	return scanCard(row)
}

func (t *pgTx) InsertCard(ctx context.Context, c *RelatedCard) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO related_cards (`+cardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.IdentityID, c.ApplicationID, c.CardID, c.CardVersion, c.IssuerPublicKey,
		c.RecipientPublicKey, c.Type, c.ValidFrom, c.ValidTo,
		c.IssuerSignature, c.RecipientSignature)
	return mapInsertErr(err)
}

func (t *pgTx) DeleteCard(ctx context.Context, identityID, applicationID []byte) error {
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM related_cards WHERE identity_id = $1 AND application_id = $2",
		identityID, applicationID)
	return affectedOrNotFound(res, err)
}

func scanAction(row interface{ Scan(...any) error }) (*Action, error) {
	var a Action
	var target []byte
	var after sql.NullTime
	var actionType int16
	err := row.Scan(&a.ID, &a.ServerID, &actionType, &target, &a.Extra, &a.Timestamp, &after)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = ActionType(actionType)
	a.TargetIdentityID = target
	if after.Valid {
		t := after.Time
		a.ExecuteAfter = &t
	}
	return &a, nil
}

func (t *pgTx) InsertAction(ctx context.Context, a *Action) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO neighborhood_actions (id, server_id, action_type, target_identity_id, extra, created_at, execute_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.ServerID, int16(a.Type), nullableBytes(a.TargetIdentityID),
		a.Extra, a.Timestamp, nullableTime(a.ExecuteAfter))
	return mapInsertErr(err)
}

// NextAction picks the oldest runnable per-server head action. Servers with
// an initialization blocker whose execute_after is still in the future are
// excluded, and a deferred head action holds back everything queued behind
// it for the same server.
func (t *pgTx) NextAction(ctx context.Context, now time.Time) (*Action, error) {
	row := t.tx.QueryRowContext(ctx, `
		WITH heads AS (
			SELECT DISTINCT ON (server_id) *
			FROM neighborhood_actions
			ORDER BY server_id, id
		)
		SELECT id, server_id, action_type, target_identity_id, extra, created_at, execute_after
		FROM heads h
		WHERE (h.execute_after IS NULL OR h.execute_after <= $1)
		  AND NOT EXISTS (
			SELECT 1 FROM neighborhood_actions b
			WHERE b.server_id = h.server_id AND b.action_type = $2
			  AND b.execute_after IS NOT NULL AND b.execute_after > $1
		  )
		ORDER BY id
		LIMIT 1`, now, int16(ActionInitInProgress))
	return scanAction(row)
}

func (t *pgTx) GetBlockingAction(ctx context.Context, followerID []byte) (*Action, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, server_id, action_type, target_identity_id, extra, created_at, execute_after
		FROM neighborhood_actions
		WHERE server_id = $1 AND action_type = $2
		ORDER BY id LIMIT 1`, followerID, int16(ActionInitInProgress))
	return scanAction(row)
}

func (t *pgTx) SetActionExecuteAfter(ctx context.Context, actionID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE neighborhood_actions SET execute_after = $2 WHERE id = $1", actionID, at)
	return affectedOrNotFound(res, err)
}

func (t *pgTx) DeleteAction(ctx context.Context, actionID string) error {
	res, err := t.tx.ExecContext(ctx,
		"DELETE FROM neighborhood_actions WHERE id = $1", actionID)
	return affectedOrNotFound(res, err)
}

func (t *pgTx) DeleteActionsForServer(ctx context.Context, serverID []byte) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM neighborhood_actions WHERE server_id = $1", serverID)
	return err
}
