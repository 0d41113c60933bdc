package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skuflow/skuflow/internal/model"
)

const TableProducts = "products"

var (
	ErrProductNotFound = errors.New("product not found")
	ErrDuplicateSKU    = errors.New("product with this SKU already exists")
)

const pgUniqueViolation = "23505"

// Postgres caps a prepared statement at 65535 bind parameters; at
// upsertBindsPerRow binds each, one statement carries at most maxUpsertRows
// rows and larger batches are split.
const (
	upsertBindsPerRow = 7
	maxUpsertRows     = 5000
)

// ProductUpsert is one row of a CSV batch. Active only takes effect when the
// row inserts; collisions on SKU keep the previously stored flag.
type ProductUpsert struct {
	SKU         string
	Name        string
	Description *string
	Active      bool
}

// UpsertOutcome reports the stored record for one batch row and whether the
// row inserted or overwrote an existing record.
type UpsertOutcome struct {
	Product  model.Product
	Inserted bool
}

// ProductFilter narrows List results. String fields are case-insensitive
// partial matches.
type ProductFilter struct {
	SKU         string
	Name        string
	Description string
	Active      *bool
	Page        uint64
	PageSize    uint64
}

// ProductRepository wraps all product SQL used by the API and the worker.
type ProductRepository struct {
	pool *pgxpool.Pool
	qb   sq.StatementBuilderType
}

func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{
		pool: pool,
		qb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// UpsertBatch applies one batch as conflict-resolving inserts keyed on SKU.
// Name and description are overwritten on collision; the active flag is left
// as first inserted. Batches larger than maxUpsertRows run as several
// statements to stay under the bind-parameter cap. The returned outcomes are
// in row order and classify each row as inserted or updated.
func (r *ProductRepository) UpsertBatch(ctx context.Context, rows []ProductUpsert) ([]UpsertOutcome, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	outcomes := make([]UpsertOutcome, 0, len(rows))
	for _, chunk := range upsertChunks(rows) {
		chunkOutcomes, err := r.upsertChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, chunkOutcomes...)
	}
	return outcomes, nil
}

// upsertChunks splits rows into statement-sized chunks of at most
// maxUpsertRows each.
func upsertChunks(rows []ProductUpsert) [][]ProductUpsert {
	chunks := make([][]ProductUpsert, 0, (len(rows)+maxUpsertRows-1)/maxUpsertRows)
	for start := 0; start < len(rows); start += maxUpsertRows {
		end := min(start+maxUpsertRows, len(rows))
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

func (r *ProductRepository) buildUpsertSQL(rows []ProductUpsert) (string, []interface{}, error) {
	now := time.Now().UTC()
	builder := r.qb.
		Insert(TableProducts).
		Columns("id", "sku", "name", "description", "active", "created_at", "updated_at")
	for _, row := range rows {
		builder = builder.Values(uuid.NewString(), row.SKU, row.Name, row.Description, row.Active, now, now)
	}
	builder = builder.Suffix(`ON CONFLICT (sku) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		updated_at = EXCLUDED.updated_at
		RETURNING id, sku, name, description, active, created_at, updated_at, (xmax = 0) AS inserted`)
	return builder.ToSql()
}

func (r *ProductRepository) upsertChunk(ctx context.Context, rows []ProductUpsert) ([]UpsertOutcome, error) {
	sql, args, err := r.buildUpsertSQL(rows)
	if err != nil {
		return nil, fmt.Errorf("build upsert query: %w", err)
	}

	dbRows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("execute upsert: %w", err)
	}
	defer dbRows.Close()

	outcomes := make([]UpsertOutcome, 0, len(rows))
	for dbRows.Next() {
		var out UpsertOutcome
		if err := dbRows.Scan(
			&out.Product.ID,
			&out.Product.SKU,
			&out.Product.Name,
			&out.Product.Description,
			&out.Product.Active,
			&out.Product.CreatedAt,
			&out.Product.UpdatedAt,
			&out.Inserted,
		); err != nil {
			return nil, fmt.Errorf("scan upsert outcome: %w", err)
		}
		outcomes = append(outcomes, out)
	}
	if err := dbRows.Err(); err != nil {
		return nil, fmt.Errorf("read upsert outcomes: %w", err)
	}
	return outcomes, nil
}

// Create inserts a single product. The SKU is stored lowercased.
func (r *ProductRepository) Create(ctx context.Context, p *model.Product) error {
	now := time.Now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now

	sql, args, err := r.qb.
		Insert(TableProducts).
		Columns("id", "sku", "name", "description", "active", "created_at", "updated_at").
		Values(p.ID, p.SKU, p.Name, p.Description, p.Active, p.CreatedAt, p.UpdatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	if _, err := r.pool.Exec(ctx, sql, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateSKU
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// Get returns a product by id.
func (r *ProductRepository) Get(ctx context.Context, id string) (*model.Product, error) {
	sql, args, err := r.qb.
		Select("id", "sku", "name", "description", "active", "created_at", "updated_at").
		From(TableProducts).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	var p model.Product
	row := r.pool.QueryRow(ctx, sql, args...)
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("select product: %w", err)
	}
	return &p, nil
}

// Update overwrites the mutable fields of a product and returns the stored row.
func (r *ProductRepository) Update(ctx context.Context, p *model.Product) error {
	p.UpdatedAt = time.Now().UTC()

	sql, args, err := r.qb.
		Update(TableProducts).
		Set("sku", p.SKU).
		Set("name", p.Name).
		Set("description", p.Description).
		Set("active", p.Active).
		Set("updated_at", p.UpdatedAt).
		Where(sq.Eq{"id": p.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateSKU
		}
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// Delete removes a product by id.
func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	sql, args, err := r.qb.
		Delete(TableProducts).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// List returns one page of products plus the unpaginated total.
func (r *ProductRepository) List(ctx context.Context, filter ProductFilter) ([]*model.Product, int, error) {
	where := r.filterConditions(filter)

	countBuilder := r.qb.
		Select("COUNT(*)").
		From(TableProducts)
	if len(where) > 0 {
		countBuilder = countBuilder.Where(where)
	}
	countSQL, countArgs, err := countBuilder.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	page := filter.Page
	if page == 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize == 0 {
		pageSize = 20
	}

	listBuilder := r.qb.
		Select("id", "sku", "name", "description", "active", "created_at", "updated_at").
		From(TableProducts).
		OrderBy("created_at DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize)
	if len(where) > 0 {
		listBuilder = listBuilder.Where(where)
	}
	sql, args, err := listBuilder.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build select query: %w", err)
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []*model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("read products: %w", err)
	}
	return products, total, nil
}

func (r *ProductRepository) filterConditions(filter ProductFilter) sq.And {
	cond := sq.And{}
	if filter.SKU != "" {
		cond = append(cond, sq.ILike{"sku": "%" + filter.SKU + "%"})
	}
	if filter.Name != "" {
		cond = append(cond, sq.ILike{"name": "%" + filter.Name + "%"})
	}
	if filter.Description != "" {
		cond = append(cond, sq.ILike{"description": "%" + filter.Description + "%"})
	}
	if filter.Active != nil {
		cond = append(cond, sq.Eq{"active": *filter.Active})
	}
	return cond
}
