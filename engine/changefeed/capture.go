package changefeed

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// captureStatements returns the DDL that installs the change-capture
// trigger. The function publishes one JSON object per row change on the
// configured channel; keys match what domain.ParseChangeEvent reads.
func captureStatements(cfg Config) []string {
	fnName := pgx.Identifier{cfg.FunctionName}.Sanitize()
	trigger := pgx.Identifier{cfg.TriggerName}.Sanitize()
	table := pgx.Identifier{cfg.Table}.Sanitize()

	events := "INSERT OR UPDATE"
	if cfg.CaptureDeletes {
		events = "INSERT OR UPDATE OR DELETE"
	}

	function := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s()
RETURNS trigger AS $$
DECLARE
    rec RECORD;
BEGIN
    IF TG_OP = 'DELETE' THEN
        rec := OLD;
    ELSE
        rec := NEW;
    END IF;
    PERFORM pg_notify(
        %s,
        json_build_object(
            'operation', TG_OP,
            'id', rec.id,
            'content', rec.content,
            'title', rec.title,
            'tags', rec.tags,
            'updateAt', rec.updateAt
        )::text
    );
    RETURN rec;
END;
$$ LANGUAGE plpgsql`, fnName, quoteLiteral(cfg.Channel))

	return []string{
		function,
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table),
		fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE FUNCTION %s()", trigger, events, table, fnName),
	}
}

func listenStatement(channel string) string {
	return "LISTEN " + pgx.Identifier{channel}.Sanitize()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
