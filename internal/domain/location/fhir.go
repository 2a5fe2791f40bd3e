package location

import (
	"github.com/ehr/locations/internal/platform/fhir"
)

const (
	snomedSystem      = "http://snomed.info/sct"
	odsSystem         = "https://fhir.nhs.uk/Id/ods-organization-code"
	scoreSystemExtURL = "urn:dhos:location:score-system-default"
)

// ToFHIR renders l as an R4 Location resource.
func ToFHIR(l *Location, types *TypeHierarchy) *fhir.Location {
	status := "active"
	if !l.Active {
		status = "inactive"
	}
	out := &fhir.Location{
		ResourceType: "Location",
		ID:           l.ID.String(),
		Meta:         &fhir.Meta{LastUpdated: l.Modified},
		Status:       status,
		Name:         l.DisplayName,
		Mode:         "instance",
		Type: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: snomedSystem, Code: l.LocationType, Display: types.Name(l.LocationType)}},
		}},
	}
	if l.ODSCode != nil {
		out.Identifier = []fhir.Identifier{{Use: "official", System: odsSystem, Value: *l.ODSCode}}
	}
	if l.ScoreSystemDefault != nil {
		out.Extension = []fhir.Extension{{URL: scoreSystemExtURL, ValueCode: *l.ScoreSystemDefault}}
	}
	if l.ParentID != nil {
		out.PartOf = &fhir.Reference{Reference: fhir.FormatReference("Location", l.ParentID.String())}
	}

	var lines []string
	for _, s := range []*string{l.AddressLine1, l.AddressLine2, l.AddressLine3, l.AddressLine4} {
		if s != nil && *s != "" {
			lines = append(lines, *s)
		}
	}
	addr := fhir.Address{Line: lines, City: deref(l.Locality), District: deref(l.Region),
		PostalCode: deref(l.Postcode), Country: deref(l.Country)}
	if len(lines) > 0 || addr.City != "" || addr.District != "" || addr.PostalCode != "" || addr.Country != "" {
		out.Address = &addr
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
