package fhir

// CapabilityStatement served from GET /metadata.

type CapabilityOperation struct {
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

type CapabilityInteraction struct {
	Code string `json:"code"`
}

type CapabilityResource struct {
	Type        string                  `json:"type"`
	Operation   []CapabilityOperation   `json:"operation,omitempty"`
	Interaction []CapabilityInteraction `json:"interaction,omitempty"`
}

type CapabilityRest struct {
	Mode     string               `json:"mode"`
	Resource []CapabilityResource `json:"resource,omitempty"`
}

type CapabilitySoftware struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type CapabilityStatement struct {
	ResourceType string             `json:"resourceType"`
	Status       string             `json:"status"`
	Date         string             `json:"date"`
	Kind         string             `json:"kind"`
	Software     CapabilitySoftware `json:"software"`
	FhirVersion  string             `json:"fhirVersion"`
	Format       []string           `json:"format"`
	Rest         []CapabilityRest   `json:"rest"`
}

var readInteractions = []CapabilityInteraction{{Code: "read"}, {Code: "search-type"}}

// NewCapabilityStatement describes the service surface.
func NewCapabilityStatement(version, date string) *CapabilityStatement {
	taskOps := []CapabilityOperation{
		{Name: "create"}, {Name: "activate"}, {Name: "accept"},
		{Name: "reject"}, {Name: "close"}, {Name: "abort"},
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         date,
		Kind:         "instance",
		Software: CapabilitySoftware{
			Name:    "ErxService",
			Version: version,
		},
		FhirVersion: "4.0.1",
		Format:      []string{ContentTypeXML, ContentTypeJSON},
		Rest: []CapabilityRest{{
			Mode: "server",
			Resource: []CapabilityResource{
				{Type: "Task", Operation: taskOps, Interaction: readInteractions},
				{Type: "Communication", Interaction: readInteractions},
				{Type: "AuditEvent", Interaction: readInteractions},
				{Type: "MedicationDispense", Interaction: readInteractions},
			},
		}},
	}
}
