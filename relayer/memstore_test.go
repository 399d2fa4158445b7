package relayer

import (
	"testing"

	"gopropbridge/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerEvent(tx string) *types.CanonicalEvent {
	return &types.CanonicalEvent{
		ID:           types.MessageID(types.CHAINKEY_STACKS, tx, 0),
		Kind:         types.KindDeposit,
		SourceChain:  types.CHAINKEY_STACKS,
		PropertyID:   1,
		Amount:       "1000000",
		SourceTxHash: tx,
	}
}

func TestTryBeginClaimsOnce(t *testing.T) {
	store := NewMemStore()
	ev := ledgerEvent("0xa")

	begun, err := store.TryBegin(ev)
	require.NoError(t, err)
	assert.True(t, begun)

	begun, err = store.TryBegin(ev)
	require.NoError(t, err)
	assert.False(t, begun)

	rec, err := store.Get(ev.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Equal(t, ev, rec.Event)
}

func TestTryBeginReclaimsRetryable(t *testing.T) {
	store := NewMemStore()
	ev := ledgerEvent("0xa")

	begun, err := store.TryBegin(ev)
	require.NoError(t, err)
	require.True(t, begun)
	require.NoError(t, store.Fail(ev.ID, "rpc unreachable", false, 100))

	begun, err = store.TryBegin(ev)
	require.NoError(t, err)
	assert.True(t, begun)

	rec, err := store.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, rec.Status)
	// the attempt count carries across the reclaim
	assert.Equal(t, 1, rec.RetryCount)
}

func TestTryBeginNeverReclaimsTerminal(t *testing.T) {
	store := NewMemStore()

	ev := ledgerEvent("0xa")
	_, err := store.TryBegin(ev)
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitted(ev.ID, evmTxHash(1)))
	require.NoError(t, store.Complete(ev.ID, evmTxHash(1)))
	begun, err := store.TryBegin(ev)
	require.NoError(t, err)
	assert.False(t, begun)

	ev2 := ledgerEvent("0xb")
	_, err = store.TryBegin(ev2)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ev2.ID, "unknown property", true, 0))
	begun, err = store.TryBegin(ev2)
	require.NoError(t, err)
	assert.False(t, begun)
}

func TestConfirmedIsWriteOnce(t *testing.T) {
	store := NewMemStore()
	ev := ledgerEvent("0xa")

	_, err := store.TryBegin(ev)
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitted(ev.ID, evmTxHash(1)))
	require.NoError(t, store.Complete(ev.ID, evmTxHash(1)))

	// re-confirming is a no-op, failing a confirmed message is refused
	require.NoError(t, store.Complete(ev.ID, evmTxHash(1)))
	require.Error(t, store.Fail(ev.ID, "nope", false, 0))
	require.Error(t, store.Fail(ev.ID, "nope", true, 0))

	rec, err := store.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, rec.Status)
	assert.Equal(t, evmTxHash(1), rec.DestTxHash)
}

func TestMarkSubmittedRequiresPending(t *testing.T) {
	store := NewMemStore()
	ev := ledgerEvent("0xa")

	require.Error(t, store.MarkSubmitted(ev.ID, evmTxHash(1)))

	_, err := store.TryBegin(ev)
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitted(ev.ID, evmTxHash(1)))
	require.Error(t, store.MarkSubmitted(ev.ID, evmTxHash(2)))
}

func TestPermanentFailureCarriesAlert(t *testing.T) {
	store := NewMemStore()
	ev := ledgerEvent("0xa")

	_, err := store.TryBegin(ev)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ev.ID, "custodian address not registered", true, 0))

	rec, err := store.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailedPermanent, rec.Status)
	assert.NotEmpty(t, rec.AlertID)
	assert.Zero(t, rec.RetryCount)
	assert.Equal(t, "custodian address not registered", rec.LastError)
}

func TestResetForRetry(t *testing.T) {
	store := NewMemStore()
	ev := ledgerEvent("0xa")

	_, err := store.TryBegin(ev)
	require.NoError(t, err)

	// only failed-permanent records may be reset
	_, err = store.ResetForRetry(ev.ID)
	require.Error(t, err)

	require.NoError(t, store.Fail(ev.ID, "rpc unreachable", false, 100))
	require.NoError(t, store.Fail(ev.ID, "gave up", true, 0))

	rec, err := store.ResetForRetry(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailedRetryable, rec.Status)
	assert.Zero(t, rec.RetryCount)
	assert.Empty(t, rec.AlertID)
}

func TestFindByDestTx(t *testing.T) {
	store := NewMemStore()
	ev := ledgerEvent("0xa")

	_, err := store.TryBegin(ev)
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitted(ev.ID, evmTxHash(7)))

	rec, err := store.FindByDestTx(evmTxHash(7))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ev.ID, rec.MessageID)

	rec, err = store.FindByDestTx(evmTxHash(8))
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCountsPerStatus(t *testing.T) {
	store := NewMemStore()

	a := ledgerEvent("0xa")
	_, err := store.TryBegin(a)
	require.NoError(t, err)

	b := ledgerEvent("0xb")
	_, err = store.TryBegin(b)
	require.NoError(t, err)
	require.NoError(t, store.MarkSubmitted(b.ID, evmTxHash(1)))

	c := ledgerEvent("0xc")
	_, err = store.TryBegin(c)
	require.NoError(t, err)
	require.NoError(t, store.Fail(c.ID, "boom", true, 0))

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.StatusPending])
	assert.Equal(t, 1, counts[types.StatusSubmitted])
	assert.Equal(t, 1, counts[types.StatusFailedPermanent])
	assert.Equal(t, 0, counts[types.StatusConfirmed])
}

func TestCursorsDefaultUnset(t *testing.T) {
	store := NewMemStore()

	h, err := store.GetCursor(types.CHAINKEY_STACKS)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), h)

	require.NoError(t, store.SetCursor(types.CHAINKEY_STACKS, 1234))
	h, err = store.GetCursor(types.CHAINKEY_STACKS)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), h)

	// the other chain's cursor is untouched
	h, err = store.GetCursor(types.CHAINKEY_EVM)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), h)
}
