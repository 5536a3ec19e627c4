// Package sqlconn implements a connector over a SQLite database.
//
// Each dataset maps to one table, named in the dataset's query
// configuration together with the column that identifies a row:
//
//	{"table": "contacts", "key": "id"}
//
// Fetch returns every row in rowid order with columns as fields. Outward
// creates insert a row, updates and deletes address rows by the key
// column. Lookup queries are read-only SQL statements:
//
//	SELECT id FROM accounts WHERE email = 'ada@example.com'
package sqlconn
