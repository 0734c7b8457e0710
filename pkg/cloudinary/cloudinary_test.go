package cloudinary

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBuildPublicID(t *testing.T) {
	now := time.Unix(1700000000, 0)

	require.Equal(t, "lab-report-v2-1700000000.pdf", buildPublicID("lab report v2.PDF", now))
	require.Equal(t, "answer-1700000000.txt", buildPublicID("???.txt", now))
	require.Equal(t, "essay-1700000000", buildPublicID("essay", now))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)
}
