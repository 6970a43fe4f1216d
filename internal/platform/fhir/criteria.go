package fhir

import (
	"strings"
)

// ParseCriteria splits a REST-style criteria string such as
// "Encounter?patient=Patient/broker-1a2b3c" into its resource type and
// query parameters.
func ParseCriteria(criteria string) (string, map[string]string) {
	parts := strings.SplitN(criteria, "?", 2)
	resourceType := strings.TrimSpace(parts[0])
	params := make(map[string]string)
	if len(parts) == 2 && parts[1] != "" {
		for _, param := range strings.Split(parts[1], "&") {
			kv := strings.SplitN(param, "=", 2)
			if len(kv) == 2 {
				params[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
	}
	return resourceType, params
}

// PatientCriteria builds the encounter criteria for a canonical patient id.
func PatientCriteria(patientID string) string {
	return "Encounter?patient=Patient/" + patientID
}

// CriteriaPatient returns the patient id referenced by criteria's patient
// parameter, or "" when there is none.
func CriteriaPatient(criteria string) string {
	_, params := ParseCriteria(criteria)
	ref := params["patient"]
	return strings.TrimPrefix(ref, "Patient/")
}

// SplitReference splits "Type/id" into its parts. ok is false when ref does
// not have exactly that shape.
func SplitReference(ref string) (resourceType, id string, ok bool) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
