package main

import (
	"errors"
	"testing"

	"github.com/rawgraph/asset-engine/internal/identity"
	"github.com/rawgraph/asset-engine/pkg/models"
)

func TestParseParams(t *testing.T) {
	p, err := parseParams("segment_followers", `{"subject_external_id":"123"}`)
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if p.Slug != identity.SlugSegmentFollowers || p.SubjectExternalID != 123 {
		t.Errorf("params = %+v", p)
	}

	// Numbers work too.
	p, err = parseParams("segment_followers", `{"subject_external_id":456}`)
	if err != nil || p.SubjectExternalID != 456 {
		t.Errorf("numeric subject = %+v, %v", p, err)
	}

	for _, bad := range []struct{ slug, raw string }{
		{"segment_followers", `{not json`},
		{"segment_followers", `{}`},
		{"segment_specified_users", `{}`},
		{"no_such_slug", `{}`},
	} {
		if _, err := parseParams(bad.slug, bad.raw); !errors.Is(err, errUsage) {
			t.Errorf("parseParams(%q, %q) = %v, want usage error", bad.slug, bad.raw, err)
		}
	}
}

func TestParseIDList(t *testing.T) {
	ids, err := parseIDList(" 1, 2,3 ")
	if err != nil || len(ids) != 3 || ids[2] != 3 {
		t.Errorf("parseIDList = %v, %v", ids, err)
	}
	if ids, err := parseIDList(""); err != nil || ids != nil {
		t.Errorf("empty list = %v, %v", ids, err)
	}
	if _, err := parseIDList("1,x"); !errors.Is(err, errUsage) {
		t.Errorf("bad id error = %v, want usage error", err)
	}
}

func TestParamsView(t *testing.T) {
	subject := int64(9001)
	row := &models.AssetParamsRow{
		Slug:              "segment_followers",
		ParamsHash:        "abc123",
		ParamsHashVersion: 1,
		SubjectExternalID: &subject,
	}

	view := paramsView(row)
	if view["slug"] != "segment_followers" || view["params_hash"] != "abc123" {
		t.Errorf("view = %v", view)
	}
	// IDs serialize as decimal strings in CLI output, same as the API.
	if view["subject_external_id"] != "9001" {
		t.Errorf("subject = %v, want \"9001\"", view["subject_external_id"])
	}
	if _, ok := view["stable_key"]; ok {
		t.Errorf("absent fields must stay absent: %v", view)
	}
}
