//go:build cloudintegration

package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/cycjobs/test/cloudtest"
)

func mustArchiver(t *testing.T, bucket string) *S3Archiver {
	t.Helper()
	a, err := New(context.Background(), Config{
		Bucket:          bucket,
		Prefix:          "cycjobs/",
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.AccessKeyID,
		SecretAccessKey: cloudtest.SecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	return a
}

func TestArchiveJob_Moto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	dir := writeJobDir(t)
	require.NoError(t, mustArchiver(t, bucket).ArchiveJob(ctx, "j1", dir))

	assert.Equal(t, []string{
		"cycjobs/j1/job.json",
		"cycjobs/j1/job.log",
		"cycjobs/j1/output/model_0001.pdb",
		"cycjobs/j1/output/scores.sc",
	}, cloudtest.Keys(t, ctx, bucket, "cycjobs/"))
	assert.Equal(t, "ATOM\n", string(cloudtest.GetObject(t, ctx, bucket, "cycjobs/j1/output/model_0001.pdb")))
}

func TestArchiveJob_MotoMissingBucket(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)

	err := mustArchiver(t, "cycjobs-no-such-bucket").ArchiveJob(context.Background(), "j1", writeJobDir(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBucketNotFound)
}
