package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/angelmondragon/shelfledger-backend/pkg/db"
	"github.com/angelmondragon/shelfledger-backend/pkg/db/models"
	"github.com/angelmondragon/shelfledger-backend/pkg/enums"
)

const isbnUniqueConstraint = "books_isbn_key"

// Repository exposes catalog persistence operations.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a catalog repo bound to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to an explicit transaction handle.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// FindByID loads one book without locking.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	var book models.Book
	if err := r.db.WithContext(ctx).First(&book, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

// LockByID loads one book FOR UPDATE.
func (r *Repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	var book models.Book
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&book, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// LockByIDs locks the distinct books in ascending id order so concurrent
// lockers of overlapping sets always queue in the same sequence. Missing ids
// are simply absent from the result.
func (r *Repository) LockByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Book, error) {
	distinct := SortedDistinct(ids)
	out := make(map[uuid.UUID]models.Book, len(distinct))
	if len(distinct) == 0 {
		return out, nil
	}
	var rows []models.Book
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", distinct).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row
	}
	return out, nil
}

// SortedDistinct returns ids deduplicated and sorted by their string form.
func SortedDistinct(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Create inserts books in one statement.
func (r *Repository) Create(ctx context.Context, books []models.Book) error {
	return r.db.WithContext(ctx).Create(&books).Error
}

// ISBNsTaken returns which of isbns already belong to a book other than exclude.
func (r *Repository) ISBNsTaken(ctx context.Context, isbns []string, exclude *uuid.UUID) ([]string, error) {
	if len(isbns) == 0 {
		return nil, nil
	}
	query := r.db.WithContext(ctx).
		Model(&models.Book{}).
		Where("isbn IN ?", isbns)
	if exclude != nil {
		query = query.Where("id <> ?", *exclude)
	}
	var taken []string
	if err := query.Order("isbn ASC").Pluck("isbn", &taken).Error; err != nil {
		return nil, err
	}
	return taken, nil
}

// UpdateColumns writes the given whitelisted columns on one book.
func (r *Repository) UpdateColumns(ctx context.Context, book *models.Book, columns map[string]any) error {
	if len(columns) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(book).Updates(columns).Error
}

// Delete removes one book.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.Book{}, "id = ?", id).Error
}

// List returns up to Limit+1 rows matching params, each carrying its open-loan count.
func (r *Repository) List(ctx context.Context, params ListParams) ([]BookRow, error) {
	query, err := r.listSQL(params)
	if err != nil {
		return nil, err
	}
	var rows []BookRow
	if err := r.db.WithContext(ctx).Raw(query).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) listSQL(params ListParams) (string, error) {
	dialect := goqu.Dialect(goquDialect(r.db))

	openLoans := dialect.From(goqu.T("loans")).
		Select(goqu.C("book_id"), goqu.COUNT(goqu.Star()).As("open_count")).
		Where(goqu.C("return_date").IsNull()).
		GroupBy(goqu.C("book_id"))

	borrowed := goqu.COALESCE(goqu.I("ol.open_count"), 0)
	available := goqu.L("? - ?", goqu.I("b.total_copies"), borrowed)

	ds := dialect.From(goqu.T("books").As("b")).
		LeftJoin(openLoans.As("ol"), goqu.On(goqu.I("ol.book_id").Eq(goqu.I("b.id")))).
		Select(
			goqu.I("b.id"),
			goqu.I("b.title"),
			goqu.I("b.author"),
			goqu.I("b.publisher"),
			goqu.I("b.genre"),
			goqu.I("b.isbn"),
			goqu.I("b.total_copies"),
			goqu.I("b.created_at"),
			goqu.I("b.updated_at"),
			borrowed.As("borrowed_count"),
			available.As("available_quantity"),
		)

	if where := listFilters(params, borrowed, available); len(where) > 0 {
		ds = ds.Where(where...)
	}

	sql, _, err := ds.
		Order(goqu.I("b.title").Asc(), goqu.I("b.id").Asc()).
		Limit(uint(params.Limit + 1)).
		Offset(uint(params.Offset)).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("build catalog list query: %w", err)
	}
	return sql, nil
}

// likeEscaper makes the LIKE wildcards in a filter value match literally.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func listFilters(params ListParams, borrowed exp.SQLFunctionExpression, available exp.LiteralExpression) []exp.Expression {
	where := make([]exp.Expression, 0, 6)
	contains := func(column, value string) {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			return
		}
		where = append(where, goqu.L("LOWER(?) LIKE ? ESCAPE '!'", goqu.I(column), "%"+likeEscaper.Replace(value)+"%"))
	}
	contains("b.title", params.Title)
	contains("b.author", params.Author)
	contains("b.genre", params.Genre)
	contains("b.publisher", params.Publisher)

	if isbn := strings.TrimSpace(params.ISBN); isbn != "" {
		where = append(where, goqu.I("b.isbn").Eq(isbn))
	}

	switch params.Status {
	case enums.BookStatusAvailable:
		where = append(where, goqu.L("? > 0", available))
	case enums.BookStatusBorrowed:
		where = append(where, goqu.L("? > 0", borrowed))
	}
	return where
}

func goquDialect(db *gorm.DB) string {
	if db.Dialector.Name() == dbpkg.DialectSQLite {
		return "sqlite3"
	}
	return "postgres"
}
