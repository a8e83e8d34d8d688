package ledger

import "fmt"

const tableName = "test_session"

// Dialect holds the SQL that differs between the warehouse and a plain Postgres server.
type Dialect struct {
	Name string
	// KeyColumn is the column definition of the session id.
	KeyColumn string
	// Now is the expression for the current time.
	Now string
}

var (
	// Redshift is the dialect of the provisioned cluster.
	Redshift = Dialect{
		Name:      "redshift",
		KeyColumn: "VARCHAR DISTKEY SORTKEY NOT NULL",
		Now:       "SYSDATE",
	}
	// Postgres is used to run the ledger against a local Postgres server.
	Postgres = Dialect{
		Name:      "postgres",
		KeyColumn: "VARCHAR NOT NULL",
		Now:       "now()",
	}
)

var (
	createTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
    pk            %s,
    created_time  TIMESTAMP DEFAULT %s NOT NULL,

    PRIMARY KEY (pk)
);`

	insertSessionSQL = `
INSERT INTO %s (pk)
SELECT $1::varchar
WHERE NOT EXISTS (SELECT 1 FROM %s WHERE pk = $1::varchar);`

	deleteSessionSQL = `
DELETE FROM %s
WHERE pk = $1;`

	countStaleSessionsSQL = `
SELECT COUNT(*) AS sessions
FROM %s
WHERE (created_time + interval '%d seconds') < %s;`

	countActiveSessionsSQL = `
SELECT COUNT(*) AS sessions
FROM %s
WHERE (created_time + interval '%d seconds') >= %s;`
)

func (d Dialect) createTable() string {
	return fmt.Sprintf(createTableSQL, tableName, d.KeyColumn, d.Now)
}

func (d Dialect) insertSession() string {
	return fmt.Sprintf(insertSessionSQL, tableName, tableName)
}

func (d Dialect) deleteSession() string {
	return fmt.Sprintf(deleteSessionSQL, tableName)
}

func (d Dialect) countStaleSessions(retentionSeconds int64) string {
	return fmt.Sprintf(countStaleSessionsSQL, tableName, retentionSeconds, d.Now)
}

func (d Dialect) countActiveSessions(retentionSeconds int64) string {
	return fmt.Sprintf(countActiveSessionsSQL, tableName, retentionSeconds, d.Now)
}
