package testkernels

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEveryLibraryAssembles(t *testing.T) {
	names := Names()
	require.NotEmpty(t, names)
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			img := MustImage(t, name)
			require.Equal(t, name, img.Name)
			require.NotEmpty(t, img.Methods())
		})
	}
}

func TestUnknownLibrary(t *testing.T) {
	_, err := Image("nope")
	require.Error(t, err)
}
