package pgengine

import "testing"

func TestGuardReadOnly(t *testing.T) {
	allowed := []string{
		"SELECT 1",
		"select * from census.population",
		"  WITH t AS (SELECT 1) SELECT * FROM t",
		"SELECT count(*) FROM events;",
	}
	for _, sql := range allowed {
		if err := guardReadOnly(sql); err != nil {
			t.Errorf("expected %q to pass: %v", sql, err)
		}
	}

	rejected := []string{
		"DELETE FROM population",
		"INSERT INTO t VALUES (1)",
		"WITH x AS (DELETE FROM t RETURNING *) SELECT * FROM x",
		"SELECT 1; DROP TABLE population",
		"EXPLAIN ANALYZE SELECT 1",
		"COPY t TO '/tmp/out'",
	}
	for _, sql := range rejected {
		if err := guardReadOnly(sql); err == nil {
			t.Errorf("expected %q to be rejected", sql)
		}
	}
}

func TestCheckIdent(t *testing.T) {
	for _, ok := range []string{"public", "Population_2020", "_staging", "t$1"} {
		if err := checkIdent(ok); err != nil {
			t.Errorf("expected %q to be a valid identifier: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "1table", `pub"lic`, "a b", "t;drop"} {
		if err := checkIdent(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
