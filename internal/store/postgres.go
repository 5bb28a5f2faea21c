package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldroute/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Postgres{db: db}, nil
}

// Ping reports backend liveness for the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MigrateDir applies .sql files from dir in lexical order, tracking them
// in schema_migrations so each file runs once.
func (p *Postgres) MigrateDir(dir string) error {
	if _, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		var done int
		err := p.db.QueryRow(`SELECT 1 FROM schema_migrations WHERE filename=$1`, name).Scan(&done)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		tx, err := p.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Shops

func (p *Postgres) CreateShop(ctx context.Context, in model.ShopInput, createdBy string) (model.Shop, error) {
	return p.insertShop(ctx, in, createdBy, "approved")
}

func (p *Postgres) CreatePendingShop(ctx context.Context, in model.ShopInput, createdBy string) (model.Shop, error) {
	return p.insertShop(ctx, in, createdBy, "pending")
}

func (p *Postgres) insertShop(ctx context.Context, in model.ShopInput, createdBy, status string) (model.Shop, error) {
	id := in.ShopID
	if id == "" {
		var err error
		id, err = p.AllocateShopID(ctx)
		if err != nil {
			return model.Shop{}, err
		}
	} else if n, ok := parseSeq(id, "S"); ok {
		// keep the counter ahead of explicit ids so allocation never collides
		if _, err := p.db.ExecContext(ctx, `INSERT INTO counters (name, last) VALUES ('shop', $1) ON CONFLICT (name) DO UPDATE SET last = GREATEST(counters.last, EXCLUDED.last)`, n); err != nil {
			return model.Shop{}, dbErr(err)
		}
	}
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `INSERT INTO shops (shop_id, name, address, lat, lng, segment, status, created_by, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		id, in.Name, nullIfEmpty(in.Address), in.Lat, in.Lng, nullIfEmpty(in.Segment), status, nullIfEmpty(createdBy), now)
	if err != nil {
		if uniqueViolation(err) {
			return model.Shop{}, ErrConflict
		}
		return model.Shop{}, dbErr(err)
	}
	return model.Shop{ShopID: id, Name: in.Name, Address: in.Address, Lat: in.Lat, Lng: in.Lng, Segment: in.Segment, Status: status, CreatedBy: createdBy, CreatedAt: now.Format(time.RFC3339)}, nil
}

func (p *Postgres) GetShop(ctx context.Context, shopID string) (model.Shop, error) {
	row := p.db.QueryRowContext(ctx, `SELECT shop_id, name, address, lat, lng, segment, status, created_by, created_at FROM shops WHERE shop_id=$1 AND status='approved'`, shopID)
	return scanShop(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanShop(row rowScanner) (model.Shop, error) {
	var s model.Shop
	var addr, seg, by sql.NullString
	var at sql.NullTime
	if err := row.Scan(&s.ShopID, &s.Name, &addr, &s.Lat, &s.Lng, &seg, &s.Status, &by, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, dbErr(err)
	}
	s.Address = addr.String
	s.Segment = seg.String
	s.CreatedBy = by.String
	if at.Valid {
		s.CreatedAt = at.Time.UTC().Format(time.RFC3339)
	}
	return s, nil
}

func (p *Postgres) ListShops(ctx context.Context, segment, status, cursor string, limit int) ([]model.Shop, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if status == "" {
		status = "approved"
	}
	q := `SELECT shop_id, name, address, lat, lng, segment, status, created_by, created_at FROM shops WHERE status=$1`
	args := []any{status}
	if segment != "" {
		args = append(args, segment)
		q += fmt.Sprintf(` AND segment=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND shop_id > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY shop_id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", dbErr(err)
	}
	defer rows.Close()
	out := []model.Shop{}
	for rows.Next() {
		s, err := scanShop(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, s)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ShopID
	}
	return out, next, nil
}

func (p *Postgres) PatchShop(ctx context.Context, shopID string, patch model.ShopPatch) (model.Shop, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Name != "" {
		add("name", patch.Name)
	}
	if patch.Address != "" {
		add("address", patch.Address)
	}
	if patch.Lat != nil {
		add("lat", *patch.Lat)
	}
	if patch.Lng != nil {
		add("lng", *patch.Lng)
	}
	if patch.Segment != "" {
		add("segment", patch.Segment)
	}
	if len(sets) > 0 {
		args = append(args, shopID)
		q := fmt.Sprintf(`UPDATE shops SET %s WHERE shop_id=$%d AND status='approved'`, strings.Join(sets, ", "), len(args))
		res, err := p.db.ExecContext(ctx, q, args...)
		if err != nil {
			return model.Shop{}, dbErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Shop{}, ErrNotFound
		}
	}
	return p.GetShop(ctx, shopID)
}

func (p *Postgres) DeleteShop(ctx context.Context, shopID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM shops WHERE shop_id=$1 AND status='approved'`, shopID)
	if err != nil {
		return dbErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AllocateShopID bumps the shop counter atomically; the returned value is
// never observed by a concurrent allocator.
func (p *Postgres) AllocateShopID(ctx context.Context) (string, error) {
	var last int
	err := p.db.QueryRowContext(ctx, `INSERT INTO counters (name, last) VALUES ('shop', 1) ON CONFLICT (name) DO UPDATE SET last = counters.last + 1 RETURNING last`).Scan(&last)
	if err != nil {
		return "", dbErr(err)
	}
	return "S" + pad3(last), nil
}

func (p *Postgres) AllocateUserID(ctx context.Context) (string, error) {
	var last int
	err := p.db.QueryRowContext(ctx, `INSERT INTO counters (name, last) VALUES ('user', 1) ON CONFLICT (name) DO UPDATE SET last = counters.last + 1 RETURNING last`).Scan(&last)
	if err != nil {
		return "", dbErr(err)
	}
	return "A" + pad3(last), nil
}

// Pending shop intake

func (p *Postgres) ListPendingShops(ctx context.Context, segment, cursor string, limit int) ([]model.Shop, string, error) {
	return p.ListShops(ctx, segment, "pending", cursor, limit)
}

func (p *Postgres) ApprovePendingShop(ctx context.Context, shopID string) (model.Shop, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE shops SET status='approved' WHERE shop_id=$1 AND status='pending'`, shopID)
	if err != nil {
		return model.Shop{}, dbErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Shop{}, ErrNotFound
	}
	return p.GetShop(ctx, shopID)
}

func (p *Postgres) RejectPendingShop(ctx context.Context, shopID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM shops WHERE shop_id=$1 AND status='pending'`, shopID)
	if err != nil {
		return dbErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Users

func (p *Postgres) CreateUser(ctx context.Context, in model.UserInput) (model.User, error) {
	id, err := p.AllocateUserID(ctx)
	if err != nil {
		return model.User{}, err
	}
	now := time.Now().UTC()
	_, err = p.db.ExecContext(ctx, `INSERT INTO users (user_id, name, role, segment, phone, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		id, in.Name, in.Role, nullIfEmpty(in.Segment), nullIfEmpty(in.Phone), now)
	if err != nil {
		return model.User{}, dbErr(err)
	}
	return model.User{UserID: id, Name: in.Name, Role: in.Role, Segment: in.Segment, Phone: in.Phone, CreatedAt: now.Format(time.RFC3339)}, nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (model.User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT user_id, name, role, segment, phone, created_at FROM users WHERE user_id=$1`, userID)
	return scanUser(row)
}

func scanUser(row rowScanner) (model.User, error) {
	var u model.User
	var seg, phone sql.NullString
	var at sql.NullTime
	if err := row.Scan(&u.UserID, &u.Name, &u.Role, &seg, &phone, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return u, ErrNotFound
		}
		return u, dbErr(err)
	}
	u.Segment = seg.String
	u.Phone = phone.String
	if at.Valid {
		u.CreatedAt = at.Time.UTC().Format(time.RFC3339)
	}
	return u, nil
}

func (p *Postgres) ListUsers(ctx context.Context, role, segment, cursor string, limit int) ([]model.User, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT user_id, name, role, segment, phone, created_at FROM users WHERE 1=1`
	args := []any{}
	if role != "" {
		args = append(args, role)
		q += fmt.Sprintf(` AND role=$%d`, len(args))
	}
	if segment != "" {
		args = append(args, segment)
		q += fmt.Sprintf(` AND segment=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND user_id > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY user_id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", dbErr(err)
	}
	defer rows.Close()
	out := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, u)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].UserID
	}
	return out, next, nil
}

func (p *Postgres) PatchUser(ctx context.Context, userID string, patch model.UserPatch) (model.User, error) {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.Name != "" {
		add("name", patch.Name)
	}
	if patch.Segment != "" {
		add("segment", patch.Segment)
	}
	if patch.Phone != "" {
		add("phone", patch.Phone)
	}
	if len(sets) > 0 {
		args = append(args, userID)
		q := fmt.Sprintf(`UPDATE users SET %s WHERE user_id=$%d`, strings.Join(sets, ", "), len(args))
		res, err := p.db.ExecContext(ctx, q, args...)
		if err != nil {
			return model.User{}, dbErr(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.User{}, ErrNotFound
		}
	}
	return p.GetUser(ctx, userID)
}

func (p *Postgres) DeleteUser(ctx context.Context, userID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE user_id=$1`, userID)
	if err != nil {
		return dbErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Route state

// ReplaceRoute runs the claim check, the clear and the insert in one
// transaction. The unique (shop_id, claim_date) index is the backstop
// against two dispatchers racing past the SELECT.
func (p *Postgres) ReplaceRoute(ctx context.Context, agentID, claimDate string, stops []model.RouteAssignment, exclusive bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if exclusive && len(stops) > 0 {
		ids := make([]string, 0, len(stops))
		for _, st := range stops {
			ids = append(ids, st.ShopID)
		}
		rows, err := tx.QueryContext(ctx, `SELECT shop_id FROM route_assignments WHERE claim_date=$1 AND agent_id<>$2 AND shop_id = ANY($3::text[]) ORDER BY shop_id`,
			claimDate, agentID, pqStringArray(ids))
		if err != nil {
			return dbErr(err)
		}
		conflicts := []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return dbErr(err)
			}
			conflicts = append(conflicts, id)
		}
		rows.Close()
		if len(conflicts) > 0 {
			return &AlreadyClaimedError{ClaimDate: claimDate, ShopIDs: conflicts}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM route_assignments WHERE agent_id=$1`, agentID); err != nil {
		return dbErr(err)
	}
	for _, st := range stops {
		_, err := tx.ExecContext(ctx, `INSERT INTO route_assignments (agent_id, shop_id, shop_name, address, lat, lng, sequence, distance_m, claim_date) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			agentID, st.ShopID, st.ShopName, nullIfEmpty(st.Address), st.Lat, st.Lng, st.Sequence, st.DistanceM, claimDate)
		if err != nil {
			if uniqueViolation(err) {
				// lost the race after the check; report this shop as claimed
				return &AlreadyClaimedError{ClaimDate: claimDate, ShopIDs: []string{st.ShopID}}
			}
			return dbErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr(err)
	}
	return nil
}

func (p *Postgres) GetRoute(ctx context.Context, agentID string) ([]model.RouteAssignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT agent_id, shop_id, shop_name, address, lat, lng, sequence, distance_m, claim_date::text FROM route_assignments WHERE agent_id=$1 ORDER BY sequence`, agentID)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()
	out := []model.RouteAssignment{}
	for rows.Next() {
		st, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func scanAssignment(row rowScanner) (model.RouteAssignment, error) {
	var st model.RouteAssignment
	var addr sql.NullString
	var dist sql.NullFloat64
	if err := row.Scan(&st.AgentID, &st.ShopID, &st.ShopName, &addr, &st.Lat, &st.Lng, &st.Sequence, &dist, &st.ClaimDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, ErrNotFound
		}
		return st, dbErr(err)
	}
	st.Address = addr.String
	st.DistanceM = dist.Float64
	return st, nil
}

func (p *Postgres) NextStop(ctx context.Context, agentID string) (*model.RouteAssignment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT agent_id, shop_id, shop_name, address, lat, lng, sequence, distance_m, claim_date::text FROM route_assignments WHERE agent_id=$1 ORDER BY sequence LIMIT 1`, agentID)
	st, err := scanAssignment(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (p *Postgres) RemoveStop(ctx context.Context, agentID, shopID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM route_assignments WHERE agent_id=$1 AND shop_id=$2`, agentID, shopID)
	if err != nil {
		return false, dbErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) ClearRoute(ctx context.Context, agentID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM route_assignments WHERE agent_id=$1`, agentID); err != nil {
		return dbErr(err)
	}
	return nil
}

// Visit ledger

func (p *Postgres) AppendVisit(ctx context.Context, rec model.VisitRecord, retireStop bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return dbErr(err)
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `INSERT INTO visits (id, agent_id, shop_id, lat, lng, distance_m, classification, segment, photo_ref, ts) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.AgentID, rec.ShopID, rec.Lat, rec.Lng, rec.DistanceM, rec.Classification, nullIfEmpty(rec.Segment), nullIfEmpty(rec.PhotoRef), rec.TS)
	if err != nil {
		return dbErr(err)
	}
	if retireStop {
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_assignments WHERE agent_id=$1 AND shop_id=$2`, rec.AgentID, rec.ShopID); err != nil {
			return dbErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr(err)
	}
	return nil
}

func (p *Postgres) ListVisits(ctx context.Context, f model.VisitFilter, cursor string, limit int) ([]model.VisitRecord, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, agent_id, shop_id, lat, lng, distance_m, classification, segment, photo_ref, ts FROM visits WHERE 1=1`
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.AgentID != "" {
		add("agent_id=$%d", f.AgentID)
	}
	if f.Segment != "" {
		add("segment=$%d", f.Segment)
	}
	if f.Classification != "" {
		add("classification=$%d", f.Classification)
	}
	if f.From != "" {
		add("ts >= $%d", f.From)
	}
	if f.To != "" {
		add("ts <= $%d", f.To)
	}
	if cursor != "" {
		// Keyset on (ts, id) so rows sharing a timestamp at a page
		// boundary are not skipped.
		cts, cid := parseVisitCursor(cursor)
		if cid != "" {
			args = append(args, cts)
			n := len(args)
			args = append(args, cid)
			q += fmt.Sprintf(" AND (ts < $%d OR (ts = $%d AND id::text < $%d))", n, n, len(args))
		} else {
			add("ts < $%d", cts)
		}
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", dbErr(err)
	}
	defer rows.Close()
	out := []model.VisitRecord{}
	var lastTS time.Time
	var lastID string
	for rows.Next() {
		var v model.VisitRecord
		var seg, photo sql.NullString
		var ts time.Time
		if err := rows.Scan(&v.ID, &v.AgentID, &v.ShopID, &v.Lat, &v.Lng, &v.DistanceM, &v.Classification, &seg, &photo, &ts); err != nil {
			return nil, "", dbErr(err)
		}
		v.Segment = seg.String
		v.PhotoRef = photo.String
		v.TS = ts.UTC().Format(time.RFC3339)
		out = append(out, v)
		lastTS = ts
		lastID = v.ID
	}
	next := ""
	if len(out) == limit {
		next = visitCursor(lastTS, lastID)
	}
	return out, next, nil
}

// visitCursor encodes the (ts, id) keyset position of the last row on a
// page. The cursor is opaque to clients.
func visitCursor(ts time.Time, id string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + id
}

func parseVisitCursor(s string) (ts, id string) {
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func (p *Postgres) VisitStats(ctx context.Context, agentID, segment string, now time.Time) (model.VisitStats, error) {
	day := now.UTC().Format("2006-01-02")
	weekAgo := now.UTC().AddDate(0, 0, -7)
	where := `WHERE 1=1`
	args := []any{}
	if agentID != "" {
		args = append(args, agentID)
		where += fmt.Sprintf(` AND agent_id=$%d`, len(args))
	}
	if segment != "" {
		args = append(args, segment)
		where += fmt.Sprintf(` AND segment=$%d`, len(args))
	}
	st := model.VisitStats{ByAgent: map[string]int{}}
	dayArgs := append(append([]any{}, args...), day)
	row := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM visits %s AND ts::date = $%d::date`, where, len(dayArgs)), dayArgs...)
	if err := row.Scan(&st.Today); err != nil {
		return st, dbErr(err)
	}
	row = p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FILTER (WHERE classification='match'), COUNT(*) FILTER (WHERE classification='mismatch') FROM visits %s`, where), args...)
	if err := row.Scan(&st.Match, &st.Mismatch); err != nil {
		return st, dbErr(err)
	}
	weekArgs := append(append([]any{}, args...), weekAgo)
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT agent_id, COUNT(*) FROM visits %s AND ts >= $%d GROUP BY agent_id`, where, len(weekArgs)), weekArgs...)
	if err != nil {
		return st, dbErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return st, dbErr(err)
		}
		st.ByAgent[id] = n
		st.Week += n
	}
	return st, nil
}

// Dispatch policy

func (p *Postgres) GetDispatchConfig(ctx context.Context) (model.DispatchConfig, bool, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT cfg FROM dispatch_config WHERE id=1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DispatchConfig{}, false, nil
	}
	if err != nil {
		return model.DispatchConfig{}, false, dbErr(err)
	}
	var cfg model.DispatchConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return model.DispatchConfig{}, false, err
	}
	return cfg, true, nil
}

func (p *Postgres) SaveDispatchConfig(ctx context.Context, cfg model.DispatchConfig) error {
	raw, _ := json.Marshal(cfg)
	_, err := p.db.ExecContext(ctx, `INSERT INTO dispatch_config (id, cfg) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET cfg=EXCLUDED.cfg`, raw)
	return dbErr(err)
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, url, events, secret) VALUES ($1,$2,$3,$4)`,
		id, req.URL, pqStringArray(req.Events), nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, dbErr(err)
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM subscriptions WHERE $1 = ANY(events)`, eventType)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events string
		if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil {
			return nil, dbErr(err)
		}
		s.Events = parsePgArray(events)
		out = append(out, s)
	}
	return out, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, events FROM subscriptions WHERE id::text > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, events FROM subscriptions ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", dbErr(err)
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events string
		if err := rows.Scan(&s.ID, &s.URL, &events); err != nil {
			return nil, "", dbErr(err)
		}
		s.Events = parsePgArray(events)
		out = append(out, s)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=$1`, id)
	return dbErr(err)
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at) VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now())`,
		id, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
	if err != nil {
		return "", dbErr(err)
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, dbErr(err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, response_code=$2, latency_ms=$3, delivered_at=now() WHERE id=$1`, id, responseCode, latencyMs)
		return dbErr(err)
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='retry', attempts=attempts+1, next_attempt_at=$2, last_error=$3, response_code=$4, latency_ms=$5 WHERE id=$1`, id, next, nullIfEmpty(lastError), responseCode, latencyMs)
	return dbErr(err)
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	return dbErr(err)
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, url, next_attempt_at, COALESCE(last_error,'') FROM webhook_deliveries WHERE 1=1`
	args := []any{}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", dbErr(err)
	}
	defer rows.Close()
	out := []map[string]any{}
	last := ""
	for rows.Next() {
		var id, eventType, st, url, lastErr string
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &eventType, &st, &attempts, &url, &nextAt, &lastErr); err != nil {
			return nil, "", dbErr(err)
		}
		item := map[string]any{"id": id, "eventType": eventType, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			item["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			item["lastError"] = lastErr
		}
		out = append(out, item)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE id=$1`, id)
	if err != nil {
		return dbErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, eventType, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, attempts, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0) FROM webhook_deliveries WHERE status='failed'`
	args := []any{}
	if eventType != "" {
		args = append(args, eventType)
		q += fmt.Sprintf(` AND event_type=$%d`, len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(` AND id::text > $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", dbErr(err)
	}
	defer rows.Close()
	out := []map[string]any{}
	last := ""
	for rows.Next() {
		var id, et, lastErr string
		var attempts, code, latency int
		if err := rows.Scan(&id, &et, &attempts, &lastErr, &code, &latency); err != nil {
			return nil, "", dbErr(err)
		}
		row := map[string]any{"id": id, "eventType": et, "attempts": attempts, "responseCode": code, "latencyMs": latency}
		if lastErr != "" {
			row["lastError"] = lastErr
		}
		out = append(out, row)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', attempts=0, next_attempt_at=now() WHERE id=$1 AND status='failed'`, id)
	if err != nil {
		return dbErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// helpers

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// pqStringArray renders a text[] literal for the stdlib pgx driver.
func pqStringArray(vals []string) string {
	esc := make([]string, len(vals))
	for i, v := range vals {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `"`, `\"`)
		esc[i] = `"` + v + `"`
	}
	return "{" + strings.Join(esc, ",") + "}"
}

// parsePgArray is the inverse for simple text[] values.
func parsePgArray(s string) []string {
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, `"`)
		p = strings.ReplaceAll(p, `\"`, `"`)
		p = strings.ReplaceAll(p, `\\`, `\`)
		out = append(out, p)
	}
	return out
}

func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// dbErr tags backend failures as transient so callers can map them to a
// retryable error class. Row-level misses are handled before this.
func dbErr(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
