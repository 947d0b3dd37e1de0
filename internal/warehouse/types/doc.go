// Package types defines the core data model of the warehouse engine:
// the ordered tier chain and its policies, record and location index
// entries, audit trail entries, generated reports, and the error
// taxonomy shared by every component.
package types
