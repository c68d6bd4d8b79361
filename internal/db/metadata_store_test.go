package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImageMeta(sop string) ImageMeta {
	return ImageMeta{
		PatientName:       "Doe^John",
		PatientID:         "pid-1",
		PatientBirthDate:  "19700101",
		PatientSex:        "M",
		StudyInstanceUID:  "1.2.3.1",
		StudyDescription:  "CT Head",
		SeriesInstanceUID: "1.2.3.1.1",
		SeriesDescription: "Axial",
		SOPInstanceUID:    sop,
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		TransferSyntaxUID: "1.2.840.10008.1.2.1",
	}
}

func TestMetadataAddImageBuildsHierarchy(t *testing.T) {
	d := newTestDB(t)
	s := NewMetadataStore(d)
	ctx := context.Background()

	img1, overwrite, err := s.AddImage(ctx, testImageMeta("1.2.3.1.1.1"))
	require.NoError(t, err)
	assert.False(t, overwrite)
	assert.NotZero(t, img1.ID)

	// second instance in the same series reuses the hierarchy
	img2, overwrite, err := s.AddImage(ctx, testImageMeta("1.2.3.1.1.2"))
	require.NoError(t, err)
	assert.False(t, overwrite)
	assert.Equal(t, img1.SeriesID, img2.SeriesID)
	assert.NotEqual(t, img1.ID, img2.ID)
}

func TestMetadataAddImageIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	s := NewMetadataStore(d)
	ctx := context.Background()

	img, _, err := s.AddImage(ctx, testImageMeta("1.2.3.1.1.1"))
	require.NoError(t, err)

	again, overwrite, err := s.AddImage(ctx, testImageMeta("1.2.3.1.1.1"))
	require.NoError(t, err)
	assert.True(t, overwrite)
	assert.Equal(t, img.ID, again.ID)
}

func TestMetadataDeleteImages(t *testing.T) {
	d := newTestDB(t)
	s := NewMetadataStore(d)
	ctx := context.Background()

	img, _, err := s.AddImage(ctx, testImageMeta("1.2.3.1.1.1"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteImages(ctx, []int64{img.ID}))
	_, err = s.GetImage(ctx, img.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteImages(ctx, nil))
}
