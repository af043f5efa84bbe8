package compress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapRoundTrip(t *testing.T) {
	payload := strings.Repeat(`{"ocid":"ocds-h6vhtk-000001"}`, 64)
	for _, kind := range []string{TypeNone, TypeGzip, TypeZstd} {
		t.Run(kind, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := WrapWriter(kind, &buf)
			require.NoError(t, err)
			_, err = io.WriteString(w, payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			r, err := WrapReader(kind, &buf)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.Equal(t, payload, string(got))
		})
	}
}

func TestUnsupported(t *testing.T) {
	_, err := WrapWriter("brotli", io.Discard)
	require.Error(t, err)
	require.Equal(t, "zst", Extension(TypeZstd))
	require.Equal(t, "", Extension(TypeNone))
}
