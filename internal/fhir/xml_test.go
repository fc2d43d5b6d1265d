package fhir

import (
	"strings"
	"testing"
)

func TestTaskXMLRoundtrip(t *testing.T) {
	task := &Task{
		ResourceType: "Task",
		ID:           "task-1",
		Status:       "draft",
		Intent:       "order",
		AuthoredOn:   "2021-03-14T12:00:00Z",
		Extension: []Extension{{
			URL:         ExtensionPrescriptionType,
			ValueCoding: &Coding{System: SystemFlowType, Code: "160"},
		}},
		Identifier: []Identifier{{
			System: SystemPrescriptionID,
			Value:  "160.123.456.789.123.58",
		}},
	}

	xml, err := MarshalXML(task)
	if err != nil {
		t.Fatalf("MarshalXML failed: %v", err)
	}

	rendered := string(xml)
	for _, want := range []string{
		`<Task xmlns="http://hl7.org/fhir">`,
		`<status value="draft"/>`,
		`<extension url="` + ExtensionPrescriptionType + `">`,
		`<value value="160.123.456.789.123.58"/>`,
	} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered XML misses %q:\n%s", want, rendered)
		}
	}

	var decoded Task
	if err := UnmarshalXML(xml, "Task", &decoded); err != nil {
		t.Fatalf("UnmarshalXML failed: %v", err)
	}

	if decoded.ID != task.ID || decoded.Status != task.Status {
		t.Errorf("roundtrip mismatch: %+v", decoded)
	}
	if len(decoded.Identifier) != 1 || decoded.Identifier[0].Value != task.Identifier[0].Value {
		t.Errorf("identifier mismatch: %+v", decoded.Identifier)
	}
	if len(decoded.Extension) != 1 || decoded.Extension[0].URL != ExtensionPrescriptionType {
		t.Errorf("extension mismatch: %+v", decoded.Extension)
	}
	if decoded.Extension[0].ValueCoding == nil || decoded.Extension[0].ValueCoding.Code != "160" {
		t.Errorf("extension coding mismatch: %+v", decoded.Extension[0].ValueCoding)
	}
}

func TestParametersXML(t *testing.T) {
	input := `<Parameters xmlns="http://hl7.org/fhir">
  <parameter>
    <name value="workflowType"/>
    <valueCoding>
      <system value="https://gematik.de/fhir/CodeSystem/Flowtype"/>
      <code value="160"/>
    </valueCoding>
  </parameter>
</Parameters>`

	var params Parameters
	if err := UnmarshalXML([]byte(input), "Parameters", &params); err != nil {
		t.Fatalf("UnmarshalXML failed: %v", err)
	}
	if params.WorkflowType() != "160" {
		t.Errorf("WorkflowType = %q, want 160", params.WorkflowType())
	}
}

func TestUnmarshalXMLWrongType(t *testing.T) {
	var params Parameters
	err := UnmarshalXML([]byte(`<Task xmlns="http://hl7.org/fhir"/>`), "Parameters", &params)
	if err == nil {
		t.Fatal("expected resource type mismatch error")
	}
}

func TestParseKBVBundle(t *testing.T) {
	input := `<Bundle xmlns="http://hl7.org/fhir">
  <id value="bundle-1"/>
  <identifier>
    <system value="https://gematik.de/fhir/NamingSystem/PrescriptionID"/>
    <value value="160.123.456.789.123.58"/>
  </identifier>
  <entry>
    <resource>
      <Patient>
        <identifier>
          <system value="http://fhir.de/NamingSystem/gkv/kvid-10"/>
          <value value="X110412640"/>
        </identifier>
      </Patient>
    </resource>
  </entry>
  <entry>
    <resource>
      <Practitioner>
        <identifier>
          <system value="https://fhir.kbv.de/NamingSystem/KBV_NS_Base_ANR"/>
          <value value="838382202"/>
        </identifier>
      </Practitioner>
    </resource>
  </entry>
</Bundle>`

	bundle, err := ParseKBVBundle([]byte(input))
	if err != nil {
		t.Fatalf("ParseKBVBundle failed: %v", err)
	}
	if bundle.ID != "bundle-1" {
		t.Errorf("ID = %q", bundle.ID)
	}
	if bundle.PrescriptionID != "160.123.456.789.123.58" {
		t.Errorf("PrescriptionID = %q", bundle.PrescriptionID)
	}
	if bundle.PatientKVNR != "X110412640" {
		t.Errorf("PatientKVNR = %q", bundle.PatientKVNR)
	}
	if bundle.PractitionerLANR != "838382202" {
		t.Errorf("PractitionerLANR = %q", bundle.PractitionerLANR)
	}

	if _, err := ParseKBVBundle([]byte(`<Patient xmlns="http://hl7.org/fhir"/>`)); err == nil {
		t.Error("expected error for a non-bundle document")
	}
}

func TestRequestFormatNegotiation(t *testing.T) {
	tests := []struct {
		name        string
		format      string
		accept      string
		contentType string
		want        Format
	}{
		{name: "default is XML", want: FormatXML},
		{name: "_format json", format: "json", want: FormatJSON},
		{name: "accept fhir+json", accept: "application/fhir+json", want: FormatJSON},
		{name: "accept fhir+xml", accept: "application/fhir+xml", want: FormatXML},
		{name: "content type fallback", contentType: "application/fhir+json", want: FormatJSON},
		{name: "_format wins over accept", format: "xml", accept: "application/fhir+json", want: FormatXML},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRequest(tt.format, tt.accept, tt.contentType)
			if got := RequestFormat(r); got != tt.want {
				t.Errorf("RequestFormat = %v, want %v", got, tt.want)
			}
		})
	}
}
