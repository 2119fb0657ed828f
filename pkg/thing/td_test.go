package thing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wotgo/pkg/thing"
)

const sampleTD = `{
	"@context": "https://www.w3.org/2022/wot/td/v1.1",
	"id": "urn:lamp1",
	"title": "Lamp",
	"security": ["nosec_sc"],
	"securityDefinitions": {"nosec_sc": {"scheme": "nosec"}},
	"properties": {
		"level": {
			"type": "number",
			"forms": [{"href": "https://h/lamp1/property/level", "op": ["readproperty", "writeproperty"]}]
		}
	},
	"actions": {
		"toggle": {
			"forms": [{"href": "https://h/lamp1/action/toggle", "op": ["invokeaction"]}]
		}
	},
	"events": {
		"overheated": {
			"forms": [{"href": "https://h/lamp1/event/overheated/subscription", "op": ["subscribeevent"]}]
		}
	}
}`

func TestParseTDReadsEveryInteractionKind(t *testing.T) {
	td, err := thing.ParseTD([]byte(sampleTD))
	require.NoError(t, err)
	assert.Equal(t, "urn:lamp1", td.ID)
	assert.Equal(t, "Lamp", td.Title)

	p, ok := td.GetProperty("level")
	require.True(t, ok)
	assert.Equal(t, "number", p.Schema.Type)
	require.Len(t, p.Pattern.TDForms(), 1)

	a, ok := td.GetAction("toggle")
	require.True(t, ok)
	require.Len(t, a.Pattern.TDForms(), 1)

	e, ok := td.GetEvent("overheated")
	require.True(t, ok)
	require.Len(t, e.Pattern.TDForms(), 1)
}

func TestParseTDRejectsMissingRequiredFields(t *testing.T) {
	_, err := thing.ParseTD([]byte(`{"title": "Lamp"}`))
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original, err := thing.ParseTD([]byte(sampleTD))
	require.NoError(t, err)

	encoded, err := original.Encode()
	require.NoError(t, err)

	roundTripped, err := thing.ParseTD(encoded)
	require.NoError(t, err)

	assert.Equal(t, original.ID, roundTripped.ID)
	assert.Equal(t, original.Title, roundTripped.Title)
	assert.Len(t, roundTripped.Properties, len(original.Properties))
	assert.Len(t, roundTripped.Actions, len(original.Actions))
	assert.Len(t, roundTripped.Events, len(original.Events))

	_, ok := roundTripped.GetProperty("level")
	assert.True(t, ok)
}

func TestAddPropertyRejectsDuplicateURLName(t *testing.T) {
	td := thing.New("lamp1", "Lamp")
	p1, err := thing.NewProperty("on_off", thing.DataSchema{Type: "boolean"})
	require.NoError(t, err)
	require.NoError(t, td.AddProperty("on_off", p1))

	p2, err := thing.NewProperty("on-off", thing.DataSchema{Type: "boolean"})
	require.NoError(t, err)
	err = td.AddProperty("on-off", p2)
	assert.Error(t, err, "on_off and on-off slugify to the same url_name")
}
