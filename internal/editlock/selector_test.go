package editlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadtile/drover/internal/geo"
)

func TestParseSelectors(t *testing.T) {
	selectors, err := ParseSelectors("infrastructure_line:road,powerline;vegetation")
	require.NoError(t, err)
	require.Len(t, selectors, 2)

	assert.Equal(t, geo.ObjectInfrastructureLine, selectors[0].Type)
	assert.Equal(t, []geo.Subtype{geo.SubtypeRoad, geo.SubtypePowerline}, selectors[0].Subtypes)
	assert.Equal(t, geo.ObjectVegetation, selectors[1].Type)
	assert.Empty(t, selectors[1].Subtypes)
}

func TestParseSelectorsTrimsWhitespace(t *testing.T) {
	selectors, err := ParseSelectors(" infrastructure_line : road , fence ")
	require.NoError(t, err)
	require.Len(t, selectors, 1)
	assert.Equal(t, []geo.Subtype{geo.SubtypeRoad, geo.SubtypeFence}, selectors[0].Subtypes)
}

func TestParseSelectorsErrors(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"blank segment":   "vegetation;;building",
		"unknown type":    "volcano",
		"unknown subtype": "infrastructure_line:runway",
		"blank subtype":   "infrastructure_line:road,,fence",
		"wrong namespace": "vegetation:road",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSelectors(input)
			assert.Error(t, err)
		})
	}
}

func TestSelectorStringRoundTrip(t *testing.T) {
	input := "infrastructure_line:road,powerline;vegetation"
	selectors, err := ParseSelectors(input)
	require.NoError(t, err)
	assert.Equal(t, input, FormatSelectors(selectors))
}
