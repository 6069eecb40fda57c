package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input   string
		want    ByteSize
		wantErr bool
	}{
		{"4096", 4096, false},
		{"16KiB", 16 * KiB, false},
		{"16 KiB", 16 * KiB, false},
		{"16Ki", 16 * KiB, false},
		{"1MB", MB, false},
		{"1mib", MiB, false},
		{"2GiB", 2 * GiB, false},
		{"", 0, true},
		{"   ", 0, true},
		{"abc", 0, true},
		{"12 parsecs", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseByteSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("32KiB")))
	assert.Equal(t, 32*KiB, b)
	assert.Error(t, b.UnmarshalText([]byte("nope")))
}

func TestString(t *testing.T) {
	assert.Equal(t, "16 KiB", (16 * KiB).String())
	assert.Equal(t, "512 B", ByteSize(512).String())
	assert.Equal(t, 16384, (16 * KiB).Int())
}

func TestYAMLRoundTrip(t *testing.T) {
	type wrapper struct {
		Size ByteSize `yaml:"size"`
	}
	data, err := yaml.Marshal(wrapper{Size: 16 * KiB})
	require.NoError(t, err)
	assert.Equal(t, "size: 16 KiB\n", string(data))
}
