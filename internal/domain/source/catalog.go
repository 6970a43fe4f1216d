package source

import (
	"time"

	"github.com/ehr/broker/internal/platform/fhir"
)

const (
	actCodeSystem = "http://terminology.hl7.org/CodeSystem/v3-ActCode"
	snomedSystem  = "http://snomed.info/sct"
	usCoreProfile = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-encounter"

	defaultClass  = "EMER"
	defaultType   = "50849002"
	defaultStatus = "in-progress"
)

type classInfo struct {
	Code    string `json:"code"`
	Display string `json:"display"`
}

type typeInfo struct {
	Code    string `json:"code"`
	Display string `json:"display"`
	Text    string `json:"text"`
}

// EncounterClasses are the v3-ActEncounterCode values the source can emit.
var EncounterClasses = map[string]classInfo{
	"EMER":   {"EMER", "emergency"},
	"AMB":    {"AMB", "ambulatory"},
	"IMP":    {"IMP", "inpatient encounter"},
	"OBSENC": {"OBSENC", "observation encounter"},
	"PRENC":  {"PRENC", "pre-admission"},
	"SS":     {"SS", "short stay"},
	"VR":     {"VR", "virtual"},
}

// EncounterTypes are SNOMED CT encounter types.
var EncounterTypes = map[string]typeInfo{
	"50849002":  {"50849002", "Emergency department patient visit", "ED visit"},
	"185349003": {"185349003", "Encounter for check up", "Check-up"},
	"308335008": {"308335008", "Patient encounter procedure", "Procedure"},
	"390906007": {"390906007", "Follow-up encounter", "Follow-up"},
	"281036007": {"281036007", "Follow-up consultation", "Consultation"},
	"183452005": {"183452005", "Emergency hospital admission", "Emergency admission"},
	"32485007":  {"32485007", "Hospital admission", "Hospital admission"},
}

// ReasonCodes are SNOMED CT findings usable as an encounter reason.
var ReasonCodes = map[string]classInfo{
	"3723001":   {"3723001", "Arthritis"},
	"386661006": {"386661006", "Fever"},
	"25064002":  {"25064002", "Headache"},
	"267036007": {"267036007", "Dyspnea"},
	"29857009":  {"29857009", "Chest pain"},
	"422587007": {"422587007", "Nausea"},
	"161891005": {"161891005", "Back pain"},
	"422400008": {"422400008", "Vomiting"},
}

// EncounterOptions select catalog entries for a new encounter. Unknown or
// empty codes fall back to an emergency department visit.
type EncounterOptions struct {
	ClassCode     string `json:"classCode,omitempty"`
	TypeCode      string `json:"typeCode,omitempty"`
	ReasonCode    string `json:"reasonCode,omitempty"`
	Status        string `json:"status,omitempty"`
	ScheduledDate string `json:"scheduledDate,omitempty"`
}

func (o EncounterOptions) class() classInfo {
	if c, ok := EncounterClasses[o.ClassCode]; ok {
		return c
	}
	return EncounterClasses[defaultClass]
}

func (o EncounterOptions) encounterType() typeInfo {
	if t, ok := EncounterTypes[o.TypeCode]; ok {
		return t
	}
	return EncounterTypes[defaultType]
}

func (o EncounterOptions) status() string {
	if o.Status == "" {
		return defaultStatus
	}
	return o.Status
}

// periodStart is the scheduled date when one parses, otherwise now.
func (o EncounterOptions) periodStart(now time.Time) time.Time {
	if o.ScheduledDate != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, o.ScheduledDate); err == nil {
				return t
			}
		}
	}
	return now
}

// BuildEncounter renders a US Core Encounter for patientID.
func BuildEncounter(id, patientID, patientName string, opts EncounterOptions, now time.Time) *fhir.Encounter {
	cls := opts.class()
	typ := opts.encounterType()

	text := typ.Display
	if patientName != "" {
		text = typ.Text + " for " + patientName
	}

	enc := &fhir.Encounter{
		ResourceType: "Encounter",
		ID:           id,
		Meta:         &fhir.Meta{Profile: []string{usCoreProfile}},
		Status:       opts.status(),
		Class:        fhir.Coding{System: actCodeSystem, Code: cls.Code, Display: cls.Display},
		Type: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: snomedSystem, Code: typ.Code, Display: typ.Display}},
			Text:   text,
		}},
		Subject: fhir.Reference{Reference: "Patient/" + patientID},
		Period:  &fhir.Period{Start: opts.periodStart(now).UTC().Format(time.RFC3339)},
		ServiceProvider: &fhir.Reference{
			Reference: "Organization/mercy-hospital",
			Display:   "Mercy General Hospital",
		},
	}

	if reason, ok := ReasonCodes[opts.ReasonCode]; ok {
		enc.ReasonCode = []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: snomedSystem, Code: reason.Code, Display: reason.Display}},
			Text:   reason.Display,
		}}
	}
	return enc
}
