//go:build go1.24

package wscutils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Aggregated tender fields use Optional so the summary JSON distinguishes
// "no document mentioned a deadline" (absent) from "a document said null"
// (conflicting or withdrawn). omitzero drops absent fields from the payload.
func TestOptionalOmitZero(t *testing.T) {
	type tenderFields struct {
		Title    string           `json:"title,omitzero"`
		Deadline Optional[string] `json:"deadline,omitzero"`
		LotCount Optional[int]    `json:"lot_count,omitzero"`
		SiteVisit Optional[bool]  `json:"site_visit_required,omitzero"`
	}

	tests := []struct {
		name     string
		input    tenderFields
		expected string
	}{
		{
			name: "nothing extracted",
			input: tenderFields{
				Title:     "Road resurfacing L-412",
				Deadline:  NewOptionalAbsent[string](),
				LotCount:  NewOptionalAbsent[int](),
				SiteVisit: NewOptionalAbsent[bool](),
			},
			expected: `{"title":"Road resurfacing L-412"}`,
		},
		{
			name: "partially extracted",
			input: tenderFields{
				Title:     "Road resurfacing L-412",
				Deadline:  NewOptional("2026-09-30"),
				LotCount:  NewOptionalAbsent[int](),
				SiteVisit: NewOptional(true),
			},
			expected: `{"title":"Road resurfacing L-412","deadline":"2026-09-30","site_visit_required":true}`,
		},
		{
			name: "explicit null survives",
			input: tenderFields{
				Title:     "Road resurfacing L-412",
				Deadline:  NewOptionalNull[string](),
				LotCount:  NewOptional(3),
				SiteVisit: NewOptionalAbsent[bool](),
			},
			expected: `{"title":"Road resurfacing L-412","deadline":null,"lot_count":3}`,
		},
		{
			name: "zero values still serialize when present",
			input: tenderFields{
				Title:     "",
				Deadline:  NewOptional(""),
				LotCount:  NewOptional(0),
				SiteVisit: NewOptional(false),
			},
			expected: `{"deadline":"","lot_count":0,"site_visit_required":false}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.input)
			assert.NoError(t, err)
			assert.JSONEq(t, tt.expected, string(data))
		})
	}
}

func TestOptionalOmitZeroNestedTypes(t *testing.T) {
	type contact struct {
		Name  string `json:"name,omitzero"`
		Email string `json:"email,omitzero"`
	}

	type tenderMeta struct {
		CPVCodes Optional[[]string]       `json:"cpv_codes,omitzero"`
		Buyer    Optional[contact]        `json:"buyer,omitzero"`
		Extra    Optional[map[string]any] `json:"extra,omitzero"`
	}

	in := tenderMeta{
		CPVCodes: NewOptional([]string{"45233141", "45233142"}),
		Buyer:    NewOptional(contact{Name: "Stadt Musterstadt", Email: "vergabe@musterstadt.de"}),
		Extra:    NewOptionalAbsent[map[string]any](),
	}
	data, err := json.Marshal(in)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"cpv_codes":["45233141","45233142"],"buyer":{"name":"Stadt Musterstadt","email":"vergabe@musterstadt.de"}}`, string(data))

	empty := tenderMeta{
		CPVCodes: NewOptionalAbsent[[]string](),
		Buyer:    NewOptionalNull[contact](),
		Extra:    NewOptionalAbsent[map[string]any](),
	}
	data, err = json.Marshal(empty)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"buyer":null}`, string(data))
}
