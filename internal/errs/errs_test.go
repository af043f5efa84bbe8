package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := E(DedupConflict, "hash %s differs", "abc")
	wrapped := fmt.Errorf("write object: %w", base)

	assert.Equal(t, DedupConflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, DedupConflict))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, Internal))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Upstream, nil, "fetch"))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(Upstream, errors.New("connection reset"), "fetch page %d", 3)
	assert.Equal(t, "fetch page 3: connection reset", err.Error())
}
