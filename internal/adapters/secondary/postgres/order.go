package postgres

import (
	"fmt"
	"regexp"
	"strings"
)

var orderByPattern = regexp.MustCompile(`^metrics\.([A-Za-z0-9_.\-/]+)(?:\s+(?i:(ASC|DESC)))?$`)

type metricOrder struct {
	metric    string
	direction string
}

// parseOrderBy accepts at most one "metrics.<key> [ASC|DESC]" clause. The
// direction ends up in SQL text, so nothing else is let through.
func parseOrderBy(clauses []string) (*metricOrder, error) {
	switch len(clauses) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("order by supports a single clause, got %d", len(clauses))
	}

	m := orderByPattern.FindStringSubmatch(strings.TrimSpace(clauses[0]))
	if m == nil {
		return nil, fmt.Errorf("unsupported order by clause %q", clauses[0])
	}
	direction := "ASC"
	if strings.EqualFold(m[2], "DESC") {
		direction = "DESC"
	}
	return &metricOrder{metric: m[1], direction: direction}, nil
}

// searchSQL selects run ids ordered by the metric. Runs without the metric
// sort last and equal scores go to the most recent run.
func (o *metricOrder) searchSQL() string {
	return fmt.Sprintf(`
		SELECT r.id FROM run r
		LEFT JOIN run_metric m ON m.run_id = r.id AND m.key = $2
		WHERE r.experiment_id::text = ANY($1)
		ORDER BY m.value %s NULLS LAST, r.start_time DESC, r.id
		LIMIT $3
	`, o.direction)
}
