package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/kovalto/dbbus"
)

// session is a scoped storage handle over one pooled connection.
// Mutations run in a transaction committed on success; a transaction
// left open by a failure stays open until Rollback.
type session struct {
	conn *sql.Conn
	tx   *sql.Tx
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return errors.Errorf("invalid identifier %q", name)
	}

	return nil
}

// whereClause compiles filter triples into a parameterized WHERE
// fragment. Operators were normalized upstream; anything else here is
// a programming error, surfaced fatally.
func whereClause(filters []dbbus.Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	conds := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))

	for _, f := range filters {
		if err := validIdentifier(f.Field); err != nil {
			return "", nil, err
		}

		switch f.Op {
		case "=", ">", "<", ">=", "<=":
		default:
			return "", nil, errors.Wrapf(dbbus.ErrUnsupportedOperator, "%q", f.Op)
		}

		conds = append(conds, fmt.Sprintf("%s %s ?", f.Field, f.Op))
		args = append(args, f.Value)
	}

	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (s *session) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	s.tx = tx

	return tx, nil
}

func (s *session) commit() error {
	err := s.tx.Commit()
	s.tx = nil

	return classify(err)
}

func (s *session) Insert(ctx context.Context, table string, fields map[string]any) (dbbus.Record, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}

	// Deterministic column order keeps generated SQL stable.
	cols := make([]string, 0, len(fields))
	for k := range fields {
		if err := validIdentifier(k); err != nil {
			return nil, err
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = fields[c]
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, classify(err)
	}

	if err := s.commit(); err != nil {
		return nil, err
	}

	created := make(dbbus.Record, len(fields)+1)
	for k, v := range fields {
		created[k] = v
	}
	created["id"] = id

	return created, nil
}

func (s *session) Query(ctx context.Context, table string, columns []string, filters []dbbus.Filter) ([]dbbus.Record, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}

	projection := "*"
	if len(columns) > 0 {
		for _, c := range columns {
			if err := validIdentifier(c); err != nil {
				return nil, err
			}
		}
		projection = strings.Join(columns, ", ")
	}

	where, args, err := whereClause(filters)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY id ASC", projection, table, where)

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, classify(err)
	}

	records := make([]dbbus.Record, 0)

	for rows.Next() {
		values := make([]any, len(names))
		dests := make([]any, len(names))
		for i := range values {
			dests[i] = &values[i]
		}

		if err := rows.Scan(dests...); err != nil {
			return nil, classify(err)
		}

		rec := make(dbbus.Record, len(names))
		for i, name := range names {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			rec[name] = v
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	return records, nil
}

func (s *session) Update(ctx context.Context, table string, updates []dbbus.Update, filters []dbbus.Filter) (int64, error) {
	if err := validIdentifier(table); err != nil {
		return 0, err
	}

	assignments := make([]string, 0, len(updates))
	args := make([]any, 0, len(updates)+len(filters))

	for _, u := range updates {
		if err := validIdentifier(u.Field); err != nil {
			return 0, err
		}
		assignments = append(assignments, u.Field+" = ?")
		args = append(args, u.Value)
	}

	where, whereArgs, err := whereClause(filters)
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	q := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(assignments, ", "), where)

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, classify(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}

	if err := s.commit(); err != nil {
		return 0, err
	}

	return n, nil
}

func (s *session) Delete(ctx context.Context, table string, filters []dbbus.Filter) (int64, error) {
	if err := validIdentifier(table); err != nil {
		return 0, err
	}

	where, args, err := whereClause(filters)
	if err != nil {
		return 0, err
	}

	q := fmt.Sprintf("DELETE FROM %s%s", table, where)

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, classify(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}

	if err := s.commit(); err != nil {
		return 0, err
	}

	return n, nil
}

// Rollback aborts the open transaction, if any.
func (s *session) Rollback() error {
	if s.tx == nil {
		return nil
	}

	err := s.tx.Rollback()
	s.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.WithStack(err)
	}

	return nil
}

// Close releases the connection back to the pool. An open transaction
// is rolled back first.
func (s *session) Close() error {
	if s.tx != nil {
		_ = s.Rollback()
	}

	return errors.WithStack(s.conn.Close())
}
