package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// listQuery appends the time window, ordering and paging from opts to base.
// timeCol is the column the window applies to; results are newest first.
func listQuery(base, timeCol string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(" WHERE 1=1")

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Since != nil {
		fmt.Fprintf(&b, " AND %s >= %s", timeCol, next(*opts.Since))
	}
	if opts.Until != nil {
		fmt.Fprintf(&b, " AND %s < %s", timeCol, next(*opts.Until))
	}
	fmt.Fprintf(&b, " ORDER BY %s DESC", timeCol)
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %s", next(opts.Limit))
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %s", next(opts.Offset))
	}
	return b.String(), args
}
