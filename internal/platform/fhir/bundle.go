package fhir

import (
	"encoding/json"
	"time"

	"github.com/ehr/broker/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id,omitempty"`
	Type         string                `json:"type"`
	Timestamp    string                `json:"timestamp,omitempty"`
	Total        *int                  `json:"total,omitempty"`
	Link         []pagination.FHIRLink `json:"link,omitempty"`
	Entry        []BundleEntry         `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// Identified is implemented by resources that can produce a fullUrl.
type Identified interface {
	ResourceKey() (resourceType, id string)
}

// NewSearchBundle creates a searchset Bundle holding one page of resources
// out of total. basePath is the type-level search path (".../Subscription");
// entry fullUrls and self/next/previous links are built from it.
func NewSearchBundle(resources []Identified, total int, basePath string, p pagination.Params) *Bundle {
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		_, id := r.ResourceKey()
		entries = append(entries, BundleEntry{
			FullURL:  basePath + "/" + id,
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Total:        &total,
		Link:         p.FHIRLinks(basePath, total),
		Entry:        entries,
	}
}
