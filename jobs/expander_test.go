package jobs

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/tenderflow/jobs/objstore"
	"github.com/remiges-tech/tenderflow/jobs/queue"
	"github.com/remiges-tech/tenderflow/jobs/store"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type expandFixture struct {
	store   *store.StoreMock
	blobs   *objstore.MemObjStore
	queue   *queue.Queue
	exp     *Expander
	created []store.WorkItem
	trans   []store.BatchState
	total   int
	failMsg string
}

func newExpandFixture(t *testing.T, archive []byte) *expandFixture {
	t.Helper()
	fx := &expandFixture{
		store: store.GenerateStoreMock(),
		blobs: objstore.NewMemObjStore(),
	}
	fx.queue, _ = newTestJobQueue(t)

	require.NoError(t, fx.blobs.Put(context.Background(), "uploads/b-1.zip",
		bytes.NewReader(archive), int64(len(archive)), "application/zip"))

	fx.store.GetBatchFunc = func(ctx context.Context, batchID string) (store.Batch, error) {
		return store.Batch{BatchID: batchID, RunID: batchID, ArchiveKey: "uploads/b-1.zip", State: store.BatchExtracting}, nil
	}
	fx.store.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		fx.trans = append(fx.trans, to)
		if to == store.BatchFailed {
			fx.failMsg = errMsg
		}
		return true, nil
	}
	fx.store.CreateWorkItemFunc = func(ctx context.Context, item store.WorkItem) (bool, error) {
		fx.created = append(fx.created, item)
		return true, nil
	}
	fx.store.SetBatchTotalFilesFunc = func(ctx context.Context, batchID string, n int) error {
		fx.total = n
		return nil
	}

	fx.exp = NewExpander(fx.store, fx.blobs, fx.queue, newTestLogger(), 3, nil)
	return fx
}

func TestExpandHappyPath(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"notice.txt":     []byte("tender notice"),
		"docs/annex.txt": []byte("annex"),
		"scan.png":       []byte{0x89, 0x50},
	})
	fx := newExpandFixture(t, archive)
	ctx := context.Background()

	require.NoError(t, fx.exp.Expand(ctx, "b-1"))

	assert.Equal(t, []store.BatchState{store.BatchExtracting, store.BatchQueued}, fx.trans)
	assert.Equal(t, 2, fx.total)

	require.Len(t, fx.created, 2)
	assert.Equal(t, "b-1::docs/annex.txt", fx.created[0].DocID)
	assert.Equal(t, "extracted/b-1/docs/annex.txt", fx.created[0].FileKey)
	assert.Equal(t, "annex.txt", fx.created[0].Filename)
	assert.Equal(t, "txt", fx.created[0].FileType)
	assert.Equal(t, "b-1::notice.txt", fx.created[1].DocID)

	// Uploaded bytes round-trip.
	exists, err := fx.blobs.Exists(ctx, "extracted/b-1/notice.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	// One file job per work item, in deterministic order.
	for _, want := range []string{"b-1::docs/annex.txt", "b-1::notice.txt"} {
		env, tok, err := fx.queue.Reserve(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, queue.TypeProcessFile, env.Type)
		assert.Equal(t, want, env.EntityID())
		require.NoError(t, fx.queue.Ack(ctx, tok))
	}
}

func TestExpandNestedArchive(t *testing.T) {
	inner := buildZip(t, map[string][]byte{"inner.txt": []byte("nested content")})
	archive := buildZip(t, map[string][]byte{
		"outer.txt": []byte("outer"),
		"more.zip":  inner,
	})
	fx := newExpandFixture(t, archive)

	require.NoError(t, fx.exp.Expand(context.Background(), "b-1"))

	require.Len(t, fx.created, 2)
	assert.Equal(t, "b-1::more_zip/inner.txt", fx.created[0].DocID)
	assert.Equal(t, "extracted/b-1/more_zip/inner.txt", fx.created[0].FileKey)
	assert.Equal(t, "b-1::outer.txt", fx.created[1].DocID)
	assert.Equal(t, 2, fx.total)
}

func TestExpandDepthBound(t *testing.T) {
	level4 := buildZip(t, map[string][]byte{"l4.txt": []byte("too deep")})
	level3 := buildZip(t, map[string][]byte{"l3.txt": []byte("three"), "d.zip": level4})
	level2 := buildZip(t, map[string][]byte{"l2.txt": []byte("two"), "c.zip": level3})
	archive := buildZip(t, map[string][]byte{"l1.txt": []byte("one"), "b.zip": level2})
	fx := newExpandFixture(t, archive)

	require.NoError(t, fx.exp.Expand(context.Background(), "b-1"))

	var ids []string
	for _, item := range fx.created {
		ids = append(ids, item.DocID)
	}
	assert.Contains(t, ids, "b-1::l1.txt")
	assert.Contains(t, ids, "b-1::b_zip/l2.txt")
	assert.Contains(t, ids, "b-1::b_zip/c_zip/l3.txt")
	assert.NotContains(t, ids, "b-1::b_zip/c_zip/d_zip/l4.txt", "fourth level is past the depth bound")
	assert.Len(t, ids, 3)
}

func TestExpandNoSupportedFiles(t *testing.T) {
	archive := buildZip(t, map[string][]byte{"scan.png": {0x89}})
	fx := newExpandFixture(t, archive)

	require.NoError(t, fx.exp.Expand(context.Background(), "b-1"))

	assert.Equal(t, []store.BatchState{store.BatchExtracting, store.BatchFailed}, fx.trans)
	assert.Equal(t, "No supported files found", fx.failMsg)
	assert.Empty(t, fx.created)
}

func TestExpandSkipsNonQueuedBatch(t *testing.T) {
	fx := newExpandFixture(t, buildZip(t, map[string][]byte{"a.txt": []byte("x")}))
	fx.store.TransitionBatchFunc = func(ctx context.Context, batchID string, from []store.BatchState, to store.BatchState, errMsg string) (bool, error) {
		return false, nil
	}

	err := fx.exp.Expand(context.Background(), "b-1")
	assert.ErrorIs(t, err, ErrAlreadyExpanded)
	assert.Empty(t, fx.created)
}

// The default supported set covers the office formats a tender archive
// actually carries.
func TestExpandDefaultSupportedSet(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"a.pdf":     []byte("%PDF-1.4"),
		"b.docx":    []byte("PK"),
		"c.xlsx":    []byte("PK"),
		"lv.d83":    []byte("gaeb"),
		"thumbs.db": []byte("junk"),
	})
	fx := newExpandFixture(t, archive)

	require.NoError(t, fx.exp.Expand(context.Background(), "b-1"))

	var ids []string
	for _, item := range fx.created {
		ids = append(ids, item.DocID)
	}
	assert.ElementsMatch(t, []string{"b-1::a.pdf", "b-1::b.docx", "b-1::c.xlsx", "b-1::lv.d83"}, ids)
	assert.Equal(t, 4, fx.total)
}

// A corrupt nested archive loses its own contents only; the rest of the
// batch expands normally.
func TestExpandCorruptNestedArchiveSkipped(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"notice.txt": []byte("tender notice"),
		"broken.zip": []byte("this is not a zip file"),
	})
	fx := newExpandFixture(t, archive)

	require.NoError(t, fx.exp.Expand(context.Background(), "b-1"))

	assert.Equal(t, []store.BatchState{store.BatchExtracting, store.BatchQueued}, fx.trans)
	require.Len(t, fx.created, 1)
	assert.Equal(t, "b-1::notice.txt", fx.created[0].DocID)
}

func TestExpandRejectsZipSlip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "../evil.txt"})
	require.NoError(t, err)
	_, err = w.Write([]byte("escape"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fx := newExpandFixture(t, buf.Bytes())
	require.NoError(t, fx.exp.Expand(context.Background(), "b-1"))

	assert.Equal(t, store.BatchFailed, fx.trans[len(fx.trans)-1])
	assert.Contains(t, fx.failMsg, "archive expansion failed")
}
