package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvironment(t *testing.T) {
	type test struct {
		input  string
		output Environment
		err    bool
	}

	tests := []test{
		{input: "MainNet", output: MainNet},
		{input: "Prod", output: MainNet},
		{input: "TestNet", output: TestNet},
		{input: "UnsafeDevNet", output: UnsafeDevNet},
		{input: "devnet", output: UnsafeDevNet},
		{input: "GoTest", output: GoTest},
		{input: "junk", err: true},
		{input: "", err: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			output, err := ParseEnvironment(tc.input)
			if tc.err {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.output, output)
			}
		})
	}
}

func TestEnvironmentRegistry(t *testing.T) {
	_, err := MainNet.Registry().Lookup(EthereumMainnet)
	assert.NoError(t, err)
	_, err = UnsafeDevNet.Registry().Lookup(DevnetChainID)
	assert.NoError(t, err)
}
