package sysroot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpecKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec Spec
		want string
	}{
		{"typical", Spec{Target: "android-arm64", Version: "21"}, "android-arm64-21"},
		{"empty target", Spec{Target: "", Version: "1.0"}, "-1.0"},
		{"empty version", Spec{Target: "rpi", Version: ""}, "rpi-"},
		{"unicode", Spec{Target: "målplattform", Version: "v1"}, "målplattform-v1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.spec.Key())
		})
	}
}

func TestSpecKeyIgnoresContentFields(t *testing.T) {
	t.Parallel()

	a := Spec{Target: "test", Version: "1.0", URL: "https://a.example", Hash: "aa"}
	b := Spec{Target: "test", Version: "1.0", URL: "https://b.example", Hash: "bb", ExtractPath: "sdk"}
	assert.Equal(t, a.Key(), b.Key())
}
