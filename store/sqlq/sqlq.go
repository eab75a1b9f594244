/*
sqlq.go - Filter/sort/page SQL fragments shared by the SQL stores

PURPOSE:
  The SQLite and PostgreSQL stores answer the same listing queries and
  differ only in placeholder syntax (? vs $n). This package turns a
  points.Query into a WHERE clause, an ORDER BY over whitelisted columns
  and a LIMIT/OFFSET suffix, with arguments collected in order.

SAFETY:
  Column names never come from the caller. Sort and filter ids are looked
  up in fixed maps; values are always bound as arguments.

EXAMPLE:
  b := sqlq.New(sqlq.Dollar)
  sqlq.Ledger(b, 7, q)
  rows, err := pool.Query(ctx,
      "SELECT ... FROM ledger_entries"+b.WhereClause()+
      sqlq.OrderBy(q.Sorting, sqlq.LedgerSorts, "created_at DESC, id DESC")+
      b.Page(q), b.Args()...)
*/
package sqlq

import (
	"strconv"
	"strings"

	"github.com/warp/points-engine/points"
)

// Placeholder renders the n-th (1-based) bind marker.
type Placeholder func(n int) string

func Question(int) string { return "?" }

func Dollar(n int) string { return "$" + strconv.Itoa(n) }

type Builder struct {
	ph    Placeholder
	conds []string
	args  []any
}

func New(ph Placeholder) *Builder {
	return &Builder{ph: ph}
}

// Arg binds v and returns its marker.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	return b.ph(len(b.args))
}

// Where adds a condition. Each "?" in cond is bound to the next arg.
func (b *Builder) Where(cond string, args ...any) *Builder {
	var sb strings.Builder
	i := 0
	for _, r := range cond {
		if r == '?' && i < len(args) {
			sb.WriteString(b.Arg(args[i]))
			i++
			continue
		}
		sb.WriteRune(r)
	}
	b.conds = append(b.conds, sb.String())
	return b
}

func (b *Builder) WhereClause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func (b *Builder) Args() []any { return b.args }

// CountArgs returns a copy of the args bound so far, before paging.
func (b *Builder) CountArgs() []any {
	return append([]any(nil), b.args...)
}

// Page binds LIMIT and OFFSET from the normalized query.
func (b *Builder) Page(q points.Query) string {
	q = q.Normalized()
	return " LIMIT " + b.Arg(q.Limit()) + " OFFSET " + b.Arg(q.Offset())
}

// OrderBy renders sorts through the whitelist. Unknown ids are skipped;
// fallback is always appended as a tiebreaker.
func OrderBy(sorts []points.SortColumn, columns map[string]string, fallback string) string {
	parts := make([]string, 0, len(sorts)+1)
	for _, s := range sorts {
		col, ok := columns[s.ID]
		if !ok {
			continue
		}
		if s.Desc {
			col += " DESC"
		} else {
			col += " ASC"
		}
		parts = append(parts, col)
	}
	if fallback != "" {
		parts = append(parts, fallback)
	}
	if len(parts) == 0 {
		return ""
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// =============================================================================
// LISTINGS
// =============================================================================

var LedgerSorts = map[string]string{
	points.ColCreatedAt:   "created_at",
	points.ColPoints:      "points",
	points.ColIsCredit:    "is_credit",
	points.ColDescription: "description",
}

const LedgerFallback = "created_at DESC, id DESC"

var RefundSorts = map[string]string{
	points.ColRequestedOn: "requested_on",
	points.ColCreatedAt:   "created_at",
	points.ColPoints:      "points",
	points.ColMonths:      "refunding_months",
	points.ColStatus:      "status",
	points.ColUsername:    "username",
}

const RefundFallback = "id DESC"

// Ledger adds the conditions for one user's ledger listing.
func Ledger(b *Builder, userID int64, q points.Query) {
	b.Where("user_id = ?", userID)
	if q.GlobalFilter != "" {
		b.Where("LOWER(description) LIKE ?", like(q.GlobalFilter))
	}
	if v, ok := q.Column(points.ColIsCredit); ok {
		credit, _ := strconv.ParseBool(v)
		b.Where("is_credit = ?", credit)
	}
}

// Refunds adds the conditions for the refund listing.
func Refunds(b *Builder, q points.Query) {
	if q.GlobalFilter != "" {
		pattern := like(q.GlobalFilter)
		b.Where("(LOWER(reason) LIKE ? OR LOWER(username) LIKE ?)", pattern, pattern)
	}
	for _, f := range q.ColumnFilters {
		switch f.ID {
		case points.ColType:
			b.Where("LOWER(refund_type) = ?", strings.ToLower(f.Value))
		case points.ColStatus:
			b.Where("status = ?", f.Value)
		case points.ColUsername:
			b.Where("username = ?", points.NormalizeUsername(f.Value))
		case points.ColParentID:
			id, _ := strconv.ParseInt(f.Value, 10, 64)
			b.Where("parent_id = ?", id)
		}
	}
}

func like(s string) string {
	return "%" + strings.ToLower(s) + "%"
}
