package certificate

import (
	"encoding/json"
	"testing"
)

func TestDataUnmarshalTolerant(t *testing.T) {
	var d Data
	raw := `{"attendee_name":"Dr. Varun","event_organizer":null,"cohort":2025,"verified":true,"unknown_key":"x"}`
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Get(KeyAttendeeName) != "Dr. Varun" {
		t.Fatalf("unexpected attendee %q", d.Get(KeyAttendeeName))
	}
	if _, ok := d[KeyEventOrganizer]; ok {
		t.Fatalf("null must be treated as absent")
	}
	if d.Get("cohort") != "2025" || d.Get("verified") != "true" || d.Get("unknown_key") != "x" {
		t.Fatalf("unexpected extras %v", d)
	}
}

func TestDataUnmarshalRejectsObjects(t *testing.T) {
	var d Data
	if err := json.Unmarshal([]byte(`{"attendee_name":{"first":"x"}}`), &d); err == nil {
		t.Fatal("expected error for nested object")
	}
}

func TestTemplateJSONShape(t *testing.T) {
	raw := `{"id":"t1","backgroundImageRef":"https://example.invalid/bg.png","designCanvasSize":{"width":800,"height":565},
	"fields":[{"id":"f1","x":293,"y":256,"width":200,"height":30,"fontSize":16,"textAlign":"center","dataSource":"attendee.name"}]}`
	var tpl Template
	if err := json.Unmarshal([]byte(raw), &tpl); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tpl.Canvas.Width != 800 || len(tpl.Fields) != 1 || tpl.Fields[0].DataSource != "attendee.name" {
		t.Fatalf("unexpected template %+v", tpl)
	}
}
