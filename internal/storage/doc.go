// Package storage provides the SQLite-backed persistence for credentials
// and account links, implementing the storage interfaces of the token and
// accounts packages.
package storage
