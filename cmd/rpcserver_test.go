package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadtile/drover/internal/config"
)

func TestParseConsumers(t *testing.T) {
	specs, err := parseConsumers([]string{"road_generator", "2", "consumer_A", "1"})
	require.NoError(t, err)
	assert.Equal(t, []config.ConsumerSpec{
		{RoutingKey: "road_generator", Instances: 2},
		{RoutingKey: "consumer_A", Instances: 1},
	}, specs)
}

func TestParseConsumersRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "odd arguments", args: []string{"road_generator", "2", "consumer_A"}, want: "pairs"},
		{name: "non-numeric count", args: []string{"road_generator", "two"}, want: "invalid instance count"},
		{name: "zero count", args: []string{"road_generator", "0"}, want: "positive"},
		{name: "duplicate key", args: []string{"consumer_A", "1", "consumer_A", "2"}, want: "duplicate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConsumers(tc.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
