// Package inventory defines the domain records the sync core moves between
// the local cache and the inventory server: items, inventory records,
// locations, containers, borrowers, and loans.
//
// The sync engine itself is schema-agnostic and carries records as raw JSON;
// the typed structs here exist for validation at the edges (CLI enqueue,
// scanner inbox) and for deriving search text.
package inventory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityType identifies one of the synchronized entity collections.
// The value doubles as the server's REST collection name.
type EntityType string

const (
	// TypeItems is the items collection.
	TypeItems EntityType = "items"
	// TypeInventory is the per-item inventory record collection.
	TypeInventory EntityType = "inventory"
	// TypeLocations is the locations collection.
	TypeLocations EntityType = "locations"
	// TypeContainers is the containers collection.
	TypeContainers EntityType = "containers"
	// TypeBorrowers is the borrowers collection.
	TypeBorrowers EntityType = "borrowers"
	// TypeLoans is the loans collection.
	TypeLoans EntityType = "loans"
)

// EntityTypes returns every synchronized entity type, in pull order.
func EntityTypes() []EntityType {
	return []EntityType{
		TypeLocations,
		TypeContainers,
		TypeItems,
		TypeInventory,
		TypeBorrowers,
		TypeLoans,
	}
}

// SearchableTypes returns the entity types indexed for offline search.
// Inventory records and loans are join tables with no human-readable text.
func SearchableTypes() []EntityType {
	return []EntityType{
		TypeItems,
		TypeLocations,
		TypeContainers,
		TypeBorrowers,
	}
}

// Valid reports whether t names a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case TypeItems, TypeInventory, TypeLocations, TypeContainers, TypeBorrowers, TypeLoans:
		return true
	}
	return false
}

// Operation is the kind of mutation applied to an entity.
type Operation string

const (
	// OpCreate creates a new entity.
	OpCreate Operation = "create"
	// OpUpdate updates an existing entity.
	OpUpdate Operation = "update"
	// OpDelete deletes an existing entity.
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is the schema-agnostic envelope the sync core stores and ships.
// Data holds the full server JSON for the row, including the id.
type Record struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Data      json.RawMessage `json:"-"`
}

// DecodeRecord parses a server record payload into a Record envelope.
// The raw payload is retained verbatim in Data.
func DecodeRecord(data []byte) (Record, error) {
	var envelope struct {
		ID        string    `json:"id"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Record{}, fmt.Errorf("failed to parse record: %w", err)
	}
	if envelope.ID == "" {
		return Record{}, fmt.Errorf("record is missing an id")
	}
	return Record{
		ID:        envelope.ID,
		UpdatedAt: envelope.UpdatedAt,
		Data:      append(json.RawMessage(nil), data...),
	}, nil
}

// DecodeRecords parses a slice of server record payloads.
func DecodeRecords(raws []json.RawMessage) ([]Record, error) {
	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		rec, err := DecodeRecord(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// SearchText extracts the fuzzy-match haystack for a record of the given
// type. Unknown or unparseable records yield an empty string and are
// skipped by the index builder.
func SearchText(t EntityType, data json.RawMessage) string {
	var fields struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Barcode     string   `json:"barcode"`
		Email       string   `json:"email"`
		Tags        []string `json:"tags"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return ""
	}

	parts := make([]string, 0, 4)
	if fields.Name != "" {
		parts = append(parts, fields.Name)
	}
	if fields.Description != "" {
		parts = append(parts, fields.Description)
	}
	if fields.Barcode != "" {
		parts = append(parts, fields.Barcode)
	}
	if fields.Email != "" {
		parts = append(parts, fields.Email)
	}
	if len(fields.Tags) > 0 {
		parts = append(parts, strings.Join(fields.Tags, " "))
	}
	return strings.Join(parts, " ")
}
