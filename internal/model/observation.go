package model

// Observations are what scanner parsers extract from raw tool output:
// sightings of assets, services, edges and findings, prior to
// normalization. Ingestion normalizes, scope-checks and persists them.

// AssetObservation is one asset sighting.
type AssetObservation struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ServiceObservation is one open-port sighting on a host.
type ServiceObservation struct {
	Host    AssetObservation `json:"host"`
	Port    int              `json:"port"`
	Proto   string           `json:"proto"`
	Name    string           `json:"name,omitempty"`
	Product string           `json:"product,omitempty"`
	Version string           `json:"version,omitempty"`
}

// EdgeObservation is one directed relationship sighting. Both endpoints
// are upserted as assets when the edge is ingested.
type EdgeObservation struct {
	From    AssetObservation `json:"from"`
	To      AssetObservation `json:"to"`
	RelType string           `json:"rel_type"`
}

// ScanOutput is everything a parser extracted from one scanner execution.
type ScanOutput struct {
	Assets   []AssetObservation
	Services []ServiceObservation
	Edges    []EdgeObservation
	Findings []Finding
	Warnings []string
}

// Empty reports whether the output carries no records at all.
func (o *ScanOutput) Empty() bool {
	return o == nil || (len(o.Assets) == 0 && len(o.Services) == 0 &&
		len(o.Edges) == 0 && len(o.Findings) == 0)
}

// Merge appends everything from other into o.
func (o *ScanOutput) Merge(other *ScanOutput) {
	if other == nil {
		return
	}
	o.Assets = append(o.Assets, other.Assets...)
	o.Services = append(o.Services, other.Services...)
	o.Edges = append(o.Edges, other.Edges...)
	o.Findings = append(o.Findings, other.Findings...)
	o.Warnings = append(o.Warnings, other.Warnings...)
}
