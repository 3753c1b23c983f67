// Package models contains the GORM persistence models of the issuance engine.
// Models are mapped to and from domain aggregates explicitly; domain types
// never carry gorm tags.
package models
