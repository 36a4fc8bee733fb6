// Package postgres manages database connections and the billing schema.
package postgres
