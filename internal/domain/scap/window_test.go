package scap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyncWindow(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	w, err := NewSyncWindow(EntityTypeCVE, since, since.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, w.Span())
	assert.True(t, w.Contains(since))
	assert.False(t, w.Contains(since.Add(48*time.Hour)), "until is exclusive")

	empty, err := NewSyncWindow(EntityTypeCVE, since, since)
	require.NoError(t, err)
	assert.Zero(t, empty.Span())

	_, err = NewSyncWindow(EntityTypeCVE, since, since.Add(-time.Second))
	assert.Error(t, err)
}

func TestParseEntityType(t *testing.T) {
	got, err := ParseEntityType(" CVE ")
	require.NoError(t, err)
	assert.Equal(t, EntityTypeCVE, got)

	_, err = ParseEntityType("cwe")
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestEntity_Supersedes(t *testing.T) {
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	stored := Entity{Key: "CVE-2024-0001", LastModified: ts}

	assert.False(t, Entity{LastModified: ts}.Supersedes(stored))
	assert.False(t, Entity{LastModified: ts.Add(-time.Millisecond)}.Supersedes(stored))
	assert.True(t, Entity{LastModified: ts.Add(time.Millisecond)}.Supersedes(stored))
}

func TestPage_Revision(t *testing.T) {
	assert.Equal(t, "NVD_CVE/2.0", Page{Format: "NVD_CVE", Version: "2.0"}.Revision())
	assert.Equal(t, "NVD_CPE", Page{Format: "NVD_CPE"}.Revision())
	assert.Equal(t, "", Page{}.Revision())
}

func TestDedupeNewest(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []Entity{
		{Key: "a", LastModified: ts, Summary: "a1"},
		{Key: "b", LastModified: ts, Summary: "b1"},
		{Key: "a", LastModified: ts.Add(time.Second), Summary: "a2"},
		{Key: "b", LastModified: ts, Summary: "b2"},
	}

	out := DedupeNewest(in)
	require.Len(t, out, 2)
	assert.Equal(t, "a2", out[0].Summary)
	assert.Equal(t, "b1", out[1].Summary, "ties keep the first occurrence")
}
