package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEntryJSONShape(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("hookrelay-test", &buf)

	log.Plain().
		WithOwner("o-1").
		WithDelivery("d-1").
		WithEndpoint("ep-1").
		WithField("attempt", 2).
		Info("requeue delivery")

	line := strings.TrimSpace(buf.String())
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, line)
	}
	if got["level"] != "info" {
		t.Errorf("level = %v", got["level"])
	}
	if got["msg"] != "requeue delivery" {
		t.Errorf("msg = %v", got["msg"])
	}
	if got["service"] != "hookrelay-test" {
		t.Errorf("service = %v", got["service"])
	}
	if got["delivery_id"] != "d-1" || got["endpoint_id"] != "ep-1" || got["owner_id"] != "o-1" {
		t.Errorf("correlation ids missing: %v", got)
	}
	fields, ok := got["fields"].(map[string]any)
	if !ok || fields["attempt"] != float64(2) {
		t.Errorf("fields = %v", got["fields"])
	}
}

func TestEntryOmitsEmpty(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("svc", &buf)
	log.Plain().Warn("plain warning")

	line := buf.String()
	for _, absent := range []string{"fields", "delivery_id", "endpoint_id", "owner_id", "trace_id"} {
		if strings.Contains(line, absent) {
			t.Errorf("empty field %q serialized: %s", absent, line)
		}
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("svc", &buf)
	log.Plain().WithError(errors.New("connection refused")).Error("attempt failed")
	if !strings.Contains(buf.String(), "connection refused") {
		t.Errorf("error not serialized: %s", buf.String())
	}

	buf.Reset()
	log.Plain().WithError(nil).Error("no error attached")
	if strings.Contains(buf.String(), "fields") {
		t.Errorf("nil error produced a field: %s", buf.String())
	}
}
